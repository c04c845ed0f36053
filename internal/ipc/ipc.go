// Package ipc implements the UNIX domain socket command protocol: a client
// writes a single command line and closes its write half, the server reads
// until EOF, writes exactly one response, and closes the connection. The
// command set is reload/refresh/showtoken/shutdown; responses are the four
// kind:payload shapes ok:/error:/pending:/access_token:.
package ipc

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/authdproject/authd/internal/config"
	"github.com/authdproject/authd/internal/oauthflow"
	"github.com/authdproject/authd/internal/refresher"
	"github.com/authdproject/authd/internal/state"
)

// Server is the IPC command handler (component C6).
type Server struct {
	table      *state.Table
	configPath string
	notifier   oauthflow.Notifier
	refresher  *refresher.Refresher
	shutdown   context.CancelFunc
	listener   net.Listener
}

// Listen binds a UNIX domain socket at sockPath, removing any stale socket
// left behind by a prior, uncleanly-terminated run.
func Listen(sockPath string) (*Server, error) {
	if err := os.RemoveAll(sockPath); err != nil {
		return nil, fmt.Errorf("clearing stale socket %q: %w", sockPath, err)
	}
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("binding ipc socket %q: %w", sockPath, err)
	}
	return &Server{listener: ln}, nil
}

// Serve accepts connections until ctx is canceled, dispatching each one in
// its own goroutine. shutdown is called when a client sends "shutdown"; it is expected
// to cancel ctx, which this method treats as a clean exit.
func (s *Server) Serve(ctx context.Context, table *state.Table, configPath string, notifier oauthflow.Notifier, r *refresher.Refresher, shutdown context.CancelFunc) error {
	s.table = table
	s.configPath = configPath
	s.notifier = notifier
	s.refresher = r
	s.shutdown = shutdown

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting ipc connection: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reqID := uuid.NewString()
	data, err := io.ReadAll(conn)
	if err != nil {
		log.WithField("request_id", reqID).WithError(err).Warn("ipc: reading command")
		return
	}

	resp := s.dispatch(ctx, strings.TrimSpace(string(data)))
	if _, err := conn.Write([]byte(resp)); err != nil {
		log.WithField("request_id", reqID).WithError(err).Warn("ipc: writing response")
	}
}

func (s *Server) dispatch(ctx context.Context, cmd string) string {
	fields := strings.Fields(cmd)

	switch {
	case len(fields) == 1 && fields[0] == "reload":
		return s.reload()
	case len(fields) == 3 && fields[0] == "refresh":
		return s.refreshCmd(ctx, fields[1], fields[2])
	case len(fields) == 3 && fields[0] == "showtoken":
		return s.showtoken(fields[1], fields[2])
	case len(fields) == 1 && fields[0] == "shutdown":
		if s.shutdown != nil {
			s.shutdown()
		}
		return "ok:"
	default:
		return fmt.Sprintf("error:Invalid cmd '%s'", cmd)
	}
}

func (s *Server) reload() string {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return fmt.Sprintf("error:%s", err)
	}
	s.table.UpdateConfig(cfg)
	if s.refresher != nil {
		s.refresher.Notify()
	}
	return "ok:"
}

func (s *Server) refreshCmd(ctx context.Context, withURL, name string) string {
	g, unlock := s.table.Lock()
	id, ok := g.ValidateName(name)
	if !ok {
		unlock()
		return fmt.Sprintf("error:No account '%s'", name)
	}

	switch g.TokenState(id).(type) {
	case state.Empty, state.Pending:
		url, err := oauthflow.RequestToken(g, id, s.notifier)
		unlock()
		if err != nil {
			return fmt.Sprintf("error:%s", err)
		}
		if withURL == "withurl" {
			return fmt.Sprintf("pending:%s", url)
		}
		return "pending:"
	default:
		accID := id.AccountID()
		unlock()
		res := refresher.Refresh(ctx, s.table, s.refresher, accID)
		switch res.Kind {
		case refresher.Refreshed:
			return "ok:"
		case refresher.AccountOrTokenStateChanged:
			return "error:"
		default:
			return fmt.Sprintf("error:%s", res.Message)
		}
	}
}

func (s *Server) showtoken(withURL, name string) string {
	g, unlock := s.table.Lock()
	defer unlock()

	id, ok := g.ValidateName(name)
	if !ok {
		return fmt.Sprintf("error:No account '%s'", name)
	}

	switch ts := g.TokenState(id).(type) {
	case state.Empty:
		url, err := oauthflow.RequestToken(g, id, s.notifier)
		if err != nil {
			return fmt.Sprintf("error:%s", err)
		}
		if withURL == "withurl" {
			return fmt.Sprintf("pending:%s", url)
		}
		return "pending:"
	case state.Pending:
		if withURL == "withurl" {
			return fmt.Sprintf("pending:%s", ts.URL)
		}
		return "pending:"
	case state.Active:
		if ts.Expiry.After(time.Now()) {
			return fmt.Sprintf("access_token:%s", ts.AccessToken)
		}
		return "error:Access token has expired and refreshing has not yet succeeded"
	default:
		return "error:unknown token state"
	}
}
