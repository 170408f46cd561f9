package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"chatrelay/client"
	"chatrelay/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	chatLogin     string
	chatPublicKey string
	chatAddr      string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Log in and chat from the terminal",
	Long: `Log in and chat from the terminal. The password is read from CHATRELAY_PASSWORD.

Commands:
  @<user> <text>   send a message
  /users           list online users
  /contacts        list contacts
  /add <user>      add a contact
  /del <user>      remove a contact
  /key <user>      show a user's public key
  /quit            disconnect`,
	Args: cobra.NoArgs,
	RunE: runChatCmd,
}

func init() {
	chatCmd.Flags().StringVar(&chatLogin, "login", "", "account name")
	chatCmd.Flags().StringVar(&chatPublicKey, "public-key", "", "public key announced at login")
	chatCmd.Flags().StringVar(&chatAddr, "addr", "", "server address (overrides client.addr)")
	chatCmd.MarkFlagRequired("login")
}

func runChatCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if chatAddr != "" {
		cfg.Client.Addr = chatAddr
	}
	password := os.Getenv("CHATRELAY_PASSWORD")
	if password == "" {
		return errors.New("CHATRELAY_PASSWORD is not set")
	}

	// Console logging would interleave with the conversation.
	logCfg := cfg.Logger
	if logCfg.Output != "file" {
		logCfg.Level = "error"
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	lists := client.NewMemoryCache()
	c := client.New(client.Config{
		Addr:            cfg.Client.Addr,
		Login:           chatLogin,
		Password:        password,
		PublicKey:       chatPublicKey,
		ConnectAttempts: cfg.Client.ConnectAttempts,
		RetryDelay:      cfg.Client.RetryDelay,
		RequestTimeout:  cfg.Client.RequestTimeout,
		MaxFrameSize:    cfg.Server.MaxFrameSize,
	},
		client.WithLogger(log),
		client.WithCache(lists),
		client.WithDialer(&net.Dialer{Timeout: cfg.Client.RequestTimeout, KeepAlive: 15 * time.Second}),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return runChat(ctx, c, lists, cmd.InOrStdin(), cmd.OutOrStdout(), log)
}

// syncWriter serializes output from the input loop and the receive goroutine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

// runChat connects c and executes chat commands read from in until /quit or EOF.
// lists must be the cache c was built with.
func runChat(ctx context.Context, c *client.Client, lists client.ListCache, in io.Reader, out io.Writer, log *zap.Logger) error {
	w := &syncWriter{w: out}
	lost := make(chan struct{})
	var lostOnce sync.Once

	c.OnMessage(func(m client.Incoming) {
		w.printf("[%s] %s: %s\n", m.Time.Format("15:04:05"), m.From, m.Text)
	})
	c.OnListsUpdated(func(users, contacts []string) {
		w.printf("* online: %s\n", strings.Join(users, ", "))
	})
	c.OnConnectionLost(func(err error) {
		w.printf("* %v\n", err)
		lostOnce.Do(func() { close(lost) })
	})

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()
	w.printf("* logged in as %s; online: %s\n", c.Login(), strings.Join(lists.Users(), ", "))

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return client.ErrConnectionLost
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := chatCommand(ctx, c, lists, w, strings.TrimSpace(line))
			if err != nil {
				log.Debug("chat command failed", zap.String("line", line), zap.Error(err))
				w.printf("! %v\n", err)
				if errors.Is(err, client.ErrTimeout) || errors.Is(err, client.ErrConnectionLost) {
					return err
				}
			}
			if quit {
				return nil
			}
		}
	}
}

func chatCommand(ctx context.Context, c *client.Client, lists client.ListCache, w *syncWriter, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if strings.HasPrefix(line, "@") {
		to, text, _ := strings.Cut(strings.TrimPrefix(line, "@"), " ")
		text = strings.TrimSpace(text)
		if to == "" || text == "" {
			return false, errors.New("usage: @<user> <text>")
		}
		return false, c.SendText(ctx, to, text)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true, nil
	case "/users":
		w.printf("* online: %s\n", strings.Join(lists.Users(), ", "))
	case "/contacts":
		w.printf("* contacts: %s\n", strings.Join(lists.Contacts(), ", "))
	case "/add", "/del", "/key":
		if arg == "" {
			return false, fmt.Errorf("usage: %s <user>", cmd)
		}
		switch cmd {
		case "/add":
			return false, c.AddContact(ctx, arg)
		case "/del":
			return false, c.RemoveContact(ctx, arg)
		}
		key, err := c.PublicKey(ctx, arg)
		if err != nil {
			return false, err
		}
		w.printf("* %s: %s\n", arg, key)
	default:
		return false, fmt.Errorf("unknown command %q", line)
	}
	return false, nil
}
