// Command healthcheck probes a local health endpoint for container health
// checks. It exits 0 on a 200 response and 1 otherwise.
//
// HEALTHCHECK_URL overrides the probed URL; the default targets the bridge's
// /healthz on HTTP_ADDR (":8080" when unset). The gateway image sets
// HEALTHCHECK_URL to its own /healthz.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func probeURL() string {
	if u := os.Getenv("HEALTHCHECK_URL"); u != "" {
		return u
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}

func main() {
	client := &http.Client{Timeout: 3 * time.Second}
	ctx := context.Background()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(), nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
