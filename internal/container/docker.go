package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// DockerRunner runs agent containers via the Docker API. Containers are
// created with AutoRemove so exited agents clean themselves up even when the
// daemon detaches from them during shutdown.
type DockerRunner struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
	dataDir     string

	// firstOutput bounds the wait for the first framed event; idleTimeout
	// bounds the gap between events once streaming has begun.
	firstOutput time.Duration
	idleTimeout time.Duration

	decoder *FrameDecoder
	logger  *slog.Logger
}

// DockerConfig holds the runner's settings.
type DockerConfig struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
	DataDir     string
	FirstOutput time.Duration
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	decoder, err := NewFrameDecoder()
	if err != nil {
		return nil, err
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 1024
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	if cfg.FirstOutput <= 0 {
		cfg.FirstOutput = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 3 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{
		client:      cli,
		image:       cfg.Image,
		memoryMB:    cfg.MemoryMB * 1024 * 1024,
		networkMode: cfg.NetworkMode,
		dataDir:     cfg.DataDir,
		firstOutput: cfg.FirstOutput,
		idleTimeout: cfg.IdleTimeout,
		decoder:     decoder,
		logger:      logger,
	}, nil
}

// Close closes the docker client.
func (d *DockerRunner) Close() error {
	return d.client.Close()
}

// RunAgent creates and starts an agent container, writes the input document
// to its stdin, and streams framed output events until exit or timeout.
func (d *DockerRunner) RunAgent(ctx context.Context, in Input, onProcess ProcessFn, onOutput OutputFn) (Result, error) {
	ipcDir := filepath.Join(d.dataDir, "ipc", in.GroupFolder)
	if err := os.MkdirAll(filepath.Join(ipcDir, "input"), 0o755); err != nil {
		return Result{Status: "error", Error: err.Error()}, fmt.Errorf("create ipc dir: %w", err)
	}

	containerName := fmt.Sprintf("warren-%s-%s", in.GroupFolder, uuid.NewString()[:8])
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:     d.image,
		OpenStdin: true,
		Tty:       false,
		Env: []string{
			"WARREN_CHAT_JID=" + in.ChatJid,
			"WARREN_GROUP_FOLDER=" + in.GroupFolder,
			fmt.Sprintf("WARREN_IS_MAIN=%t", in.IsMain),
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryMB,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/ipc", ipcDir)},
		AutoRemove:  true,
	}, nil, nil, containerName)
	if err != nil {
		return Result{Status: "error", Error: err.Error()}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	attach, err := d.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return Result{Status: "error", Error: err.Error()}, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{Status: "error", Error: err.Error()}, fmt.Errorf("start container: %w", err)
	}

	if onProcess != nil {
		onProcess(containerID, containerName)
	}

	// The input document goes to stdin as a single JSON line; further turns
	// arrive through the IPC drop-dir, so stdin closes right away.
	doc, err := json.Marshal(in)
	if err != nil {
		return Result{Status: "error", Error: err.Error()}, fmt.Errorf("marshal input: %w", err)
	}
	if _, err := attach.Conn.Write(append(doc, '\n')); err != nil {
		d.logger.Warn("container stdin write failed", "container", containerName, "error", err)
	}
	if err := attach.CloseWrite(); err != nil {
		d.logger.Debug("container stdin close failed", "container", containerName, "error", err)
	}

	// Demux the attached stream and scan stdout for framed events.
	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, io.Discard, attach.Reader)
		_ = pw.CloseWithError(copyErr)
	}()

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitCh, waitErrCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var res Result
	res.Status = "success"
	timer := time.NewTimer(d.firstOutput)
	defer timer.Stop()
	sawOutput := false
	streaming := true

	for streaming {
		select {
		case <-ctx.Done():
			_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
			return Result{Status: "error", Error: ctx.Err().Error()}, ctx.Err()

		case line, ok := <-lines:
			if !ok {
				streaming = false
				break
			}
			ev, isFrame := d.decoder.Decode(line)
			if !isFrame {
				continue
			}
			sawOutput = true
			resetTimer(timer, d.idleTimeout)
			d.applyEvent(&res, ev)
			if onOutput != nil {
				onOutput(ev)
			}

		case <-timer.C:
			if sawOutput {
				// Silence after output means the agent finished its turn; the
				// run keeps the status its events set.
				d.logger.Info("container idle after output, stopping", "container", containerName)
				_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
				return res, nil
			}
			phase := "idle"
			if !sawOutput {
				phase = "first-output"
			}
			d.logger.Warn("container timed out", "container", containerName, "phase", phase)
			_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
			return Result{Status: "error", Error: fmt.Sprintf("container %s timeout", phase)}, nil
		}
	}

	// Stream drained; collect the exit status.
	select {
	case err := <-waitErrCh:
		if err != nil {
			return Result{Status: "error", Error: err.Error()}, fmt.Errorf("wait container: %w", err)
		}
	case status := <-waitCh:
		if status.StatusCode != 0 {
			res.Status = "error"
			if res.Error == "" {
				res.Error = fmt.Sprintf("container exited with status %d", status.StatusCode)
			}
		}
	case <-time.After(d.idleTimeout):
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		res.Status = "error"
		if res.Error == "" {
			res.Error = "container did not exit after output stream closed"
		}
	}

	return res, nil
}

func (d *DockerRunner) applyEvent(res *Result, ev OutputEvent) {
	switch ev.Kind {
	case EventSuccess:
		if ev.Result != "" {
			res.Result = ev.Result
		}
		if ev.NewSessionID != "" {
			res.NewSessionID = ev.NewSessionID
		}
	case EventError:
		res.Status = "error"
		res.Error = ev.Message
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
