// Package discovery maps node ids to network addresses for the deployment
// layouts the lab runs in, and waits for node servers to come up.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LocalAddrs lays out count nodes on localhost, one port each from startPort.
func LocalAddrs(count, startPort int) map[int]string {
	nodes := make(map[int]string, count)
	for i := 0; i < count; i++ {
		nodes[i] = fmt.Sprintf("localhost:%d", startPort+i)
	}
	return nodes
}

// DockerAddrs lays out count nodes behind a docker-compose service name.
func DockerAddrs(service string, count, startPort int) map[int]string {
	nodes := make(map[int]string, count)
	for i := 0; i < count; i++ {
		nodes[i] = fmt.Sprintf("%s:%d", service, startPort+i)
	}
	return nodes
}

// K8sAddrs lays out count nodes as a Kubernetes stateful set behind a
// headless service: pod {service}-{i} resolves through the service DNS.
func K8sAddrs(service, namespace string, count, startPort int) map[int]string {
	nodes := make(map[int]string, count)
	for i := 0; i < count; i++ {
		nodes[i] = fmt.Sprintf("%s-%d.%s.%s.svc.cluster.local:%d",
			service, i, service, namespace, startPort)
	}
	return nodes
}

// WaitHealthy polls every node's /health endpoint until all answer 200 or
// the context expires.
func WaitHealthy(ctx context.Context, addrs map[int]string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: 2 * time.Second}

	pending := make(map[int]string, len(addrs))
	for id, addr := range addrs {
		pending[id] = addr
	}

	for len(pending) > 0 {
		for id, addr := range pending {
			resp, err := client.Get(fmt.Sprintf("http://%s/health", addr))
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					logger.Info("node healthy", zap.Int("id", id), zap.String("addr", addr))
					delete(pending, id)
					continue
				}
			}
		}
		if len(pending) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for %d nodes: %w", len(pending), ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil
}
