package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

// ContainerDiscovery enumerates Docker containers over the daemon's
// unix socket. A missing or unreadable socket is the normal case on
// container-free hosts and degrades to an empty list.
type ContainerDiscovery struct {
	client *http.Client
	socket string
	logger *slog.Logger
}

func NewContainerDiscovery(socket string, logger *slog.Logger) *ContainerDiscovery {
	if socket == "" {
		socket = "/var/run/docker.sock"
	}
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
	return &ContainerDiscovery{
		client: client,
		socket: socket,
		logger: logger,
	}
}

// dockerContainer is the subset of the Docker list API we keep.
type dockerContainer struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Status string            `json:"Status"`
	Labels map[string]string `json:"Labels"`
	Ports  []struct {
		PrivatePort int    `json:"PrivatePort"`
		PublicPort  int    `json:"PublicPort"`
		Type        string `json:"Type"`
	} `json:"Ports"`
	Created int64 `json:"Created"`
}

// Discover lists all containers, running or not.
func (d *ContainerDiscovery) Discover(ctx context.Context) []types.Payload {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://docker/containers/json?all=1", nil)
	if err != nil {
		return nil
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("docker socket unavailable", "socket", d.socket, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Debug("docker list failed", "status", resp.StatusCode)
		return nil
	}

	var containers []dockerContainer
	if err := json.NewDecoder(resp.Body).Decode(&containers); err != nil {
		d.logger.Debug("docker list decode failed", "error", err)
		return nil
	}

	out := make([]types.Payload, 0, len(containers))
	for _, c := range containers {
		id := c.ID
		if len(id) > 12 {
			id = id[:12]
		}
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		var ports []string
		for _, p := range c.Ports {
			ports = append(ports, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
		}
		out = append(out, types.Payload{
			"id":      id,
			"name":    name,
			"image":   c.Image,
			"state":   c.State,
			"status":  c.Status,
			"labels":  c.Labels,
			"ports":   ports,
			"created": c.Created,
			"runtime": "docker",
		})
	}
	return out
}
