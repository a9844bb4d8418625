package launcher

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// containerHandle adapts a Docker attach stream to the Handle interface.
// Stdin/Stdout share the same underlying net.Conn (types.HijackedResponse
// multiplexes both directions over it); Stderr is read from the same
// demultiplexed stream since AttachOptions requested it.
type containerHandle struct {
	cli         *client.Client
	containerID string
	hijacked    types.HijackedResponse
}

type hijackedWriter struct{ h *containerHandle }

func (w hijackedWriter) Write(p []byte) (int, error) { return w.h.hijacked.Conn.Write(p) }
func (w hijackedWriter) Close() error                { w.h.hijacked.Close(); return nil }

func (h *containerHandle) Stdin() io.WriteCloser { return hijackedWriter{h} }
func (h *containerHandle) Stdout() io.Reader      { return h.hijacked.Reader }
func (h *containerHandle) Stderr() io.Reader      { return h.hijacked.Reader }

// Wait polls ContainerWait until the container exits.
func (h *containerHandle) Wait() error {
	ctx := context.Background()
	statusCh, errCh := h.cli.ContainerWait(ctx, h.containerID, "")
	select {
	case err := <-errCh:
		return err
	case <-statusCh:
		return nil
	}
}

// Kill force-stops and removes the container, tolerating it already
// being gone.
func (h *containerHandle) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	h.hijacked.Close()
	timeout := 0
	_ = h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
	return h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
}
