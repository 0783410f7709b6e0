package listener

import (
	"fmt"
	"sync"

	"github.com/renode-ws-proxy/ws-proxy/internal/session"
)

// sessionRegistry enforces the "one active session per workspace"
// rule: a second /proxy/<workspace> connection for an already-occupied
// workspace is rejected with busy.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*session.Session)}
}

func (r *sessionRegistry) claim(workspace string, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.sessions[workspace]; busy {
		return errBusy
	}
	r.sessions[workspace] = s
	return nil
}

func (r *sessionRegistry) release(workspace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workspace)
}

var errBusy = fmt.Errorf("workspace busy")

// uartRegistry maps a discovered machine/name pair to the local TCP port
// the supervisor bound for it, for /uart/<machine>/<name> routing.
type uartRegistry struct {
	mu    sync.Mutex
	ports map[string]int
}

func newUARTRegistry() *uartRegistry {
	return &uartRegistry{ports: make(map[string]int)}
}

func (u *uartRegistry) set(machine, name string, port int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ports[uartKey(machine, name)] = port
}

func (u *uartRegistry) lookup(machine, name string) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	port, ok := u.ports[uartKey(machine, name)]
	return port, ok
}

func uartKey(machine, name string) string { return machine + "/" + name }

// portRegistry maps a local TCP port a session has bound (monitor, GDB,
// analyzer-socket, UART) back to the session that owns it, so bridgeToPort
// can register the resulting Bridge against the right session for
// teardown when that session closes.
type portRegistry struct {
	mu    sync.Mutex
	owner map[int]*session.Session
}

func newPortRegistry() *portRegistry {
	return &portRegistry{owner: make(map[int]*session.Session)}
}

func (p *portRegistry) bind(port int, s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owner[port] = s
}

func (p *portRegistry) lookup(port int) (*session.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.owner[port]
	return s, ok
}

// release forgets every port bound to s, called once s has closed.
func (p *portRegistry) release(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port, owner := range p.owner {
		if owner == s {
			delete(p.owner, port)
		}
	}
}
