package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"chatrelay/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// controlSocket serves one-line management commands on a unix socket:
// "stats", "online|<login>" and "shutdown".
type controlSocket struct {
	path     string
	listener net.Listener
	srv      *server.Server
	logger   *zap.Logger
}

func startControlSocket(path string, srv *server.Server, logger *zap.Logger) (*controlSocket, error) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("create control socket: %w", err)
	}
	ctl := &controlSocket{
		path:     path,
		listener: listener,
		srv:      srv,
		logger:   logger.Named("control"),
	}
	ctl.logger.Info("control socket listening", zap.String("path", path))
	go ctl.serve()
	return ctl, nil
}

func (c *controlSocket) Close() error {
	err := c.listener.Close()
	os.Remove(c.path)
	return err
}

func (c *controlSocket) serve() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("control accept failed", zap.Error(err))
			continue
		}
		go c.handle(conn)
	}
}

func (c *controlSocket) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + c.srv.Stats().String() + "\n"))
	case "online":
		if len(parts) < 2 || parts[1] == "" {
			conn.Write([]byte("ERROR|Login required\n"))
			return
		}
		fmt.Fprintf(conn, "OK|%t\n", c.srv.Online(parts[1]))
	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		c.logger.Info("shutdown requested")
		go c.srv.Shutdown()
	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// sendControlCommand sends one command line and returns the payload of an OK reply.
func sendControlCommand(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to control socket %s: %w", path, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	status, payload, _ := strings.Cut(strings.TrimSpace(line), "|")
	if status != "OK" {
		return "", errors.New(payload)
	}
	return payload, nil
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Query or stop a running server through its control socket",
}

func init() {
	ctlCmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print connection count and online users",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return runControl(cmd, "stats") },
		},
		&cobra.Command{
			Use:   "online <login>",
			Short: "Report whether a user has a live session",
			Args:  cobra.ExactArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error { return runControl(cmd, "online|"+args[0]) },
		},
		&cobra.Command{
			Use:   "shutdown",
			Short: "Stop the server",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return runControl(cmd, "shutdown") },
		},
	)
}

func runControl(cmd *cobra.Command, command string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := sendControlCommand(cfg.Server.ControlSocket, command)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
