package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/EternisAI/silo-control/internal/agents"
	"github.com/EternisAI/silo-control/internal/grpc/wire"
	"github.com/EternisAI/silo-control/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	grpctls "github.com/EternisAI/silo-control/internal/grpc/tls"
)

const (
	sendChannelBuffer   = 100
	defaultPingInterval = 30 * time.Second
	initialDelay        = 1 * time.Second
	maxDelay            = 30 * time.Second
	backoffFactor       = 2
)

var (
	errQuit      = errors.New("server asked the agent to quit")
	errReconnect = errors.New("server asked the agent to reconnect")
)

type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerNameOverride string
}

type Config struct {
	ServerAddr   string
	AgentID      string
	Key          string
	ConfigPath   string // config file updated once the agent is commissioned
	Version      string
	TLS          *TLSConfig
	PingInterval time.Duration
	DialOptions  []grpc.DialOption
}

type Client struct {
	cfg      Config
	executor *Executor

	conn   *grpc.ClientConn
	stream wire.ClientStream

	sendCh chan *transport.Message
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	started           bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	mu       sync.RWMutex
}

func NewClient(cfg Config, executor *Executor) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if executor == nil {
		executor = NewExecutor(0, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:               cfg,
		executor:          executor,
		sendCh:            make(chan *transport.Message, sendChannelBuffer),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		reconnectDelay:    initialDelay,
		maxReconnectDelay: maxDelay,
		ctx:               ctx,
		cancel:            cancel,
	}
}

func (c *Client) Start() error {
	if c.cfg.AgentID == "" || c.cfg.Key == "" {
		return fmt.Errorf("agent_id and key are required")
	}
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping gRPC client")
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.cancel()
	})
	<-c.doneCh
	slog.Info("gRPC client stopped")
	return nil
}

// Done is closed once the client stops, including when the server tells the
// agent to quit.
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// Send queues a frame. Frames queued while disconnected go out after the next
// successful connect.
func (c *Client) Send(msg *transport.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send channel full")
	}
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			return
		default:
			if err := c.connect(); err != nil {
				slog.Error("Connection failed", "error", err, "retry_in", c.reconnectDelay)
				select {
				case <-time.After(c.reconnectDelay):
					c.increaseReconnectDelay()
					continue
				case <-c.stopCh:
					return
				}
			}

			c.reconnectDelay = initialDelay

			err := c.handleStream()
			c.disconnect()

			switch {
			case errors.Is(err, errQuit):
				slog.Warn("Server closed the session for good, stopping")
				return
			case errors.Is(err, errReconnect):
				slog.Info("Server requested reconnect")
				continue
			case err == nil, errors.Is(err, io.EOF):
				slog.Info("Server closed connection")
			default:
				slog.Error("Stream error", "error", err)
			}

			select {
			case <-c.stopCh:
				return
			case <-time.After(c.reconnectDelay):
				slog.Info("Reconnecting", "delay", c.reconnectDelay)
				c.increaseReconnectDelay()
			}
		}
	}
}

func (c *Client) dialOptions() ([]grpc.DialOption, error) {
	opts := append([]grpc.DialOption{}, c.cfg.DialOptions...)

	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		creds, err := grpctls.LoadClientCredentials(
			c.cfg.TLS.CertFile,
			c.cfg.TLS.KeyFile,
			c.cfg.TLS.CAFile,
			c.cfg.TLS.ServerNameOverride,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
		slog.Info("Using TLS connection")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		slog.Warn("Using insecure connection (TLS disabled)")
	}
	return opts, nil
}

func (c *Client) connect() error {
	slog.Info("Connecting to server", "address", c.cfg.ServerAddr)

	opts, err := c.dialOptions()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(c.cfg.ServerAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	stream, err := wire.NewControlClient(conn).Stream(c.ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}

	hello, err := wire.Pack(transport.NewHello(c.cfg.AgentID, c.cfg.Key))
	if err != nil {
		conn.Close()
		return err
	}
	if err := stream.Send(hello); err != nil {
		stream.CloseSend()
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.mu.Unlock()

	if !c.started {
		c.started = true
		desc := "agent started"
		if c.cfg.Version != "" {
			desc = "agent " + c.cfg.Version + " started"
		}
		if err := c.Send(transport.NewEvent("agent", agents.RecordStarted, desc)); err != nil {
			slog.Error("Failed to queue started event", "error", err)
		}
	}

	slog.Info("Connected to server", "address", c.cfg.ServerAddr, "agent_id", c.cfg.AgentID)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		c.stream.CloseSend()
		c.stream = nil
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
}

func (c *Client) handleStream() error {
	done := make(chan struct{})
	errChan := make(chan error, 3)

	go c.receiveLoop(done, errChan)
	go c.sendLoop(done, errChan)
	go c.pingLoop(done, errChan)

	err := <-errChan
	close(done)
	return err
}

func (c *Client) currentStream() wire.ClientStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream
}

func (c *Client) receiveLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			stream := c.currentStream()
			if stream == nil {
				errChan <- fmt.Errorf("stream is nil")
				return
			}

			frame, err := stream.Recv()
			if err != nil {
				if err != io.EOF {
					slog.Error("Error receiving message", "error", err)
				}
				errChan <- err
				return
			}

			msg, err := frame.Unpack()
			if err != nil {
				slog.Warn("Dropping malformed message", "error", err)
				continue
			}

			slog.Debug("Message received", "query", msg.Query, "command_id", msg.ID)

			if err := c.processMessage(msg); err != nil {
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) sendLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.sendCh:
			stream := c.currentStream()
			if stream == nil {
				errChan <- fmt.Errorf("stream is nil")
				return
			}

			frame, err := wire.Pack(msg)
			if err != nil {
				slog.Error("Failed to encode message", "error", err)
				continue
			}

			slog.Debug("Sending message", "query", msg.Query, "command_id", msg.ID)

			if err := stream.Send(frame); err != nil {
				slog.Error("Error sending message", "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) pingLoop(done chan struct{}, errChan chan error) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Send(transport.NewPing()); err != nil {
				slog.Error("Failed to send ping", "error", err)
				errChan <- err
				return
			}
		}
	}
}

// processMessage returns an error only when the stream must end.
func (c *Client) processMessage(msg *transport.Message) error {
	switch msg.Query {
	case transport.KindCommand:
		go c.handleCommand(msg)
	case transport.KindCommit:
		go c.handleCommit()
	case transport.KindQuit:
		slog.Warn("Quit received", "reason", msg.Reason)
		return errQuit
	case transport.KindReconnect:
		slog.Info("Reconnect received", "reason", msg.Reason)
		return errReconnect
	default:
		slog.Warn("Unexpected message from server", "query", msg.Query)
	}
	return nil
}

func (c *Client) handleCommand(msg *transport.Message) {
	if err := c.Send(transport.NewAck(msg.ID)); err != nil {
		slog.Error("Failed to send ack", "error", err, "command_id", msg.ID)
	}

	slog.Info("Executing command", "command_id", msg.ID, "shell", msg.Shell)
	res := c.executor.Execute(c.ctx, msg)
	slog.Info("Command finished", "command_id", msg.ID, "success", res.Success, "elapsed", res.Elapsed)

	if err := c.Send(transport.NewFin(msg.ID, res.Success, res.Output, res.Elapsed)); err != nil {
		slog.Error("Failed to send fin", "error", err, "command_id", msg.ID)
	}
}

func (c *Client) handleCommit() {
	if c.cfg.ConfigPath != "" {
		if err := saveCommissionedToConfig(c.cfg.ConfigPath, time.Now()); err != nil {
			slog.Error("Failed to persist commissioning to config", "error", err)
		} else {
			slog.Info("Commissioning persisted to config", "config_path", c.cfg.ConfigPath)
		}
	}

	if err := c.Send(transport.NewEvent("agent", agents.RecordCommitted, "")); err != nil {
		slog.Error("Failed to send committed event", "error", err)
	}
}

func saveCommissionedToConfig(path string, at time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config map[string]interface{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if config == nil {
		config = make(map[string]interface{})
	}

	grpcConfig, ok := config["grpc"].(map[string]interface{})
	if !ok {
		grpcConfig = make(map[string]interface{})
		config["grpc"] = grpcConfig
	}
	grpcConfig["commissioned_at"] = at.UTC().Format(time.RFC3339)

	updatedData, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	comment := "# Agent commissioned on " + at.UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(comment+string(updatedData)), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Client) GetAgentID() string {
	return c.cfg.AgentID
}
