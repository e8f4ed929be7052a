package application

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/ports"
)

const serviceName = "session-security-service"

// Service owns session lifecycle and permission caching on top of injected
// collaborators. It holds no per-session state of its own; the session store
// and cache backend are the only stateful pieces, so instances are safe to
// share across requests.
type Service struct {
	cfg         Config
	sessions    ports.SessionStore
	events      ports.SecurityEventRepository
	outbox      ports.OutboxRepository
	access      ports.AccessSource
	cache       ports.CacheBackend
	tokenSigner ports.TokenSigner
	userLocks   stripedLocks
	nowFn       func() time.Time
}

type Dependencies struct {
	Config      Config
	Sessions    ports.SessionStore
	Events      ports.SecurityEventRepository
	Outbox      ports.OutboxRepository
	Access      ports.AccessSource
	Cache       ports.CacheBackend
	TokenSigner ports.TokenSigner
}

func NewService(deps Dependencies) *Service {
	return &Service{
		cfg:         deps.Config,
		sessions:    deps.Sessions,
		events:      deps.Events,
		outbox:      deps.Outbox,
		access:      deps.Access,
		cache:       deps.Cache,
		tokenSigner: deps.TokenSigner,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// CacheBackendName reports which cache backend startup selected, for health
// output.
func (s *Service) CacheBackendName() string {
	return s.cache.Name()
}

// stripedLocks serializes the count-evict-create sequence per user so the
// concurrency ceiling holds when logins for the same account race. Stripe
// collisions between users only cost contention, never correctness.
type stripedLocks struct {
	stripes [64]sync.Mutex
}

func (l *stripedLocks) lock(userID uuid.UUID) func() {
	h := fnv.New32a()
	_, _ = h.Write(userID[:])
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
