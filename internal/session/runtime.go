package session

import (
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/sftpvol/sftpvol/pkg/logging"
)

// Runtime is the process-wide SSH state shared by every session: the
// connection to ssh-agent. It is reference counted; the first Acquire opens
// it and the last Release closes it.
type Runtime struct {
	mu        sync.Mutex
	refs      int
	agentConn net.Conn
	agent     agent.ExtendedAgent

	// socket returns the agent socket path. Empty disables agent auth.
	socket func() string
}

var defaultRuntime = &Runtime{
	socket: func() string { return os.Getenv("SSH_AUTH_SOCK") },
}

// DefaultRuntime returns the shared runtime.
func DefaultRuntime() *Runtime {
	return defaultRuntime
}

// Acquire takes a reference, initialising the runtime on the first one.
func (r *Runtime) Acquire() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refs++
	if r.refs > 1 {
		return
	}

	sock := ""
	if r.socket != nil {
		sock = r.socket()
	}
	if sock == "" {
		return
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		logging.Named("runtime").Warn("ssh-agent unavailable", zap.String("socket", sock), zap.Error(err))
		return
	}
	r.agentConn = conn
	r.agent = agent.NewClient(conn)
}

// Release drops a reference and tears the runtime down with the last one.
func (r *Runtime) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		return
	}
	r.refs--
	if r.refs > 0 {
		return
	}
	if r.agentConn != nil {
		_ = r.agentConn.Close()
	}
	r.agentConn = nil
	r.agent = nil
}

// Refs returns the number of live references.
func (r *Runtime) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// AgentSigners returns the keys held by ssh-agent, or nil when no agent is
// reachable.
func (r *Runtime) AgentSigners() ([]ssh.Signer, error) {
	r.mu.Lock()
	a := r.agent
	r.mu.Unlock()
	if a == nil {
		return nil, nil
	}
	return a.Signers()
}
