// Package emulatortest locates or launches a Firestore emulator for integration tests.
package emulatortest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

const (
	image         = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	containerPort = "8080/tcp"
	readyTimeout  = 45 * time.Second
)

// Endpoint returns host:port of a running emulator. FIRESTORE_EMULATOR_HOST wins; otherwise a
// throwaway container is started and removed when the test ends. The test is skipped when
// neither is possible.
func Endpoint(t testing.TB) string {
	t.Helper()
	if host := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST")); host != "" {
		return host
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("firestore emulator: docker not installed: %v", err)
	}
	if out, err := docker(context.Background(), "info", "--format", "{{.ServerVersion}}"); err != nil {
		t.Skipf("firestore emulator: docker daemon unreachable: %v %s", err, out)
	}

	id, err := docker(context.Background(), "run", "-d", "--rm", "-p", "127.0.0.1::8080", image,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet")
	if err != nil {
		t.Fatalf("firestore emulator: start container: %v %s", err, id)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_, _ = docker(ctx, "stop", id)
	})

	mapping, err := docker(context.Background(), "port", id, containerPort)
	if err != nil {
		t.Fatalf("firestore emulator: resolve port: %v %s", err, mapping)
	}
	// docker may print one line per address family.
	host, _, _ := strings.Cut(mapping, "\n")
	host = strings.TrimSpace(host)

	if err := awaitReady(host, readyTimeout); err != nil {
		t.Fatalf("firestore emulator at %s: %v", host, err)
	}
	return host
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// awaitReady polls the emulator's root endpoint, which answers 200 once it accepts requests.
func awaitReady(host string, within time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(within)
	var last error
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://" + host + "/")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("status %d", resp.StatusCode)
		}
		last = err
		time.Sleep(300 * time.Millisecond)
	}
	return fmt.Errorf("not ready after %s: %w", within, last)
}
