package main

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	APIKey    string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	u := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, u, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Admin-Key", c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func main() {
	var (
		baseURL = envOr("CLAVE_ADMIN_URL", "http://localhost:8080")
		apiKey  = envOr("CLAVE_ADMIN_KEY", "")
		out     = envOr("CLAVE_OUT", "text")
	)

	root := &cobra.Command{
		Use:   "clave",
		Short: "CLI admin de Clave (seguridad y claves)",
	}
	root.PersistentFlags().StringVar(&baseURL, "admin-url", baseURL, "URL base del servicio (env CLAVE_ADMIN_URL)")
	root.PersistentFlags().StringVar(&apiKey, "admin-key", apiKey, "API key admin (env CLAVE_ADMIN_KEY)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de salida: json|text")

	cl := &client{HTTP: &http.Client{Timeout: 30 * time.Second}}
	requireKey := func(cmd *cobra.Command, args []string) error {
		cl.BaseURL, cl.APIKey, cl.OutFormat = baseURL, apiKey, out
		if apiKey == "" {
			return fmt.Errorf("falta la API key (flag --admin-key o env CLAVE_ADMIN_KEY)")
		}
		return nil
	}

	// ─── security ───
	securityCmd := &cobra.Command{
		Use:   "security",
		Short: "Rate limiting y bloqueos (vía /v1/admin/security)",
	}

	var statsAction, statsRange string
	statsCmd := &cobra.Command{
		Use:               "stats",
		Short:             "Estadísticas de abuso (rango 1h, 24h o 7d)",
		PersistentPreRunE: requireKey,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if statsAction != "" {
				q.Set("action", statsAction)
			}
			if statsRange != "" {
				q.Set("range", statsRange)
			}
			path := "/v1/admin/security/stats"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			status, body, err := cl.do("GET", path, nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("stats falló: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	statsCmd.Flags().StringVar(&statsAction, "action", "", "Acción puntual (login, password_reset, ...); vacío = todas")
	statsCmd.Flags().StringVar(&statsRange, "range", "24h", "Rango de agregación: 1h|24h|7d")

	var blockedAction string
	blockedCmd := &cobra.Command{
		Use:               "blocked",
		Short:             "Identificadores bloqueados de una acción",
		PersistentPreRunE: requireKey,
		RunE: func(cmd *cobra.Command, args []string) error {
			if blockedAction == "" {
				return fmt.Errorf("--action es requerido")
			}
			status, body, err := cl.do("GET", "/v1/admin/security/"+url.PathEscape(blockedAction)+"/blocked", nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("blocked falló: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	blockedCmd.Flags().StringVar(&blockedAction, "action", "", "Acción (login, password_reset, ...)")

	var unblockAction, unblockID string
	unblockCmd := &cobra.Command{
		Use:               "unblock",
		Short:             "Levantar un bloqueo a mano",
		PersistentPreRunE: requireKey,
		RunE: func(cmd *cobra.Command, args []string) error {
			if unblockAction == "" || unblockID == "" {
				return fmt.Errorf("--action e --identifier son requeridos")
			}
			b, _ := json.Marshal(map[string]string{"action": unblockAction, "identifier": unblockID})
			status, body, err := cl.do("POST", "/v1/admin/security/unblock", b)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("unblock falló: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	unblockCmd.Flags().StringVar(&unblockAction, "action", "", "Acción del bloqueo")
	unblockCmd.Flags().StringVar(&unblockID, "identifier", "", "Identificador bloqueado (email, ip, ip:email)")

	var eventsAction, eventsID string
	var eventsLimit int
	eventsCmd := &cobra.Command{
		Use:               "events",
		Short:             "Historial reciente de un identificador",
		PersistentPreRunE: requireKey,
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventsAction == "" || eventsID == "" {
				return fmt.Errorf("--action e --identifier son requeridos")
			}
			path := fmt.Sprintf("/v1/admin/security/%s/events?identifier=%s&limit=%d",
				url.PathEscape(eventsAction), url.QueryEscape(eventsID), eventsLimit)
			status, body, err := cl.do("GET", path, nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("events falló: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}
	eventsCmd.Flags().StringVar(&eventsAction, "action", "", "Acción")
	eventsCmd.Flags().StringVar(&eventsID, "identifier", "", "Identificador")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Máximo de eventos (1-100)")

	securityCmd.AddCommand(statsCmd, blockedCmd, unblockCmd, eventsCmd)

	// ─── keys ───
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Generación de claves",
	}
	genCmd := &cobra.Command{
		Use:   "gen",
		Short: "Genera una clave de 32 bytes en base64 (CLAVE_MASTER_KEY / CLAVE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			k := make([]byte, 32)
			if _, err := rand.Read(k); err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(k))
			return nil
		},
	}
	keysCmd.AddCommand(genCmd)

	root.AddCommand(securityCmd, keysCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
