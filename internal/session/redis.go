package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"lab-assistant/pkg"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	URL       string
	KeyPrefix string
	TTL       time.Duration
	PoolSize  int
}

// RedisStore keeps each session as one JSON value whose expiry is pushed
// back on every save.  It lets several service replicas share sessions.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "lab-assistant:session:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// storedSession is the JSON form of a session.
type storedSession struct {
	ID           string                 `json:"id"`
	Record       *pkg.PatientRecord     `json:"record,omitempty"`
	Turns        []pkg.ConversationTurn `json:"turns"`
	Epoch        int                    `json:"epoch"`
	Language     pkg.Language           `json:"language,omitempty"`
	Report       string                 `json:"report,omitempty"`
	Digest       string                 `json:"digest,omitempty"`
	DigestCovers int                    `json:"digest_covers,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func encodeSession(s *Session) ([]byte, error) {
	var turns []pkg.ConversationTurn
	if s.Transcript != nil {
		turns = s.Transcript.Snapshot()
	}
	return json.Marshal(storedSession{
		ID:           s.ID,
		Record:       s.Record,
		Turns:        turns,
		Epoch:        s.Epoch,
		Language:     s.Language,
		Report:       s.Report,
		Digest:       s.Digest,
		DigestCovers: s.DigestCovers,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	})
}

func decodeSession(data []byte) (*Session, error) {
	var st storedSession
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &Session{
		ID:           st.ID,
		Record:       st.Record,
		Transcript:   NewTranscript(st.Turns),
		Epoch:        st.Epoch,
		Language:     st.Language,
		Report:       st.Report,
		Digest:       st.Digest,
		DigestCovers: st.DigestCovers,
		CreatedAt:    st.CreatedAt,
		UpdatedAt:    st.UpdatedAt,
	}, nil
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) Create(ctx context.Context) (*Session, error) {
	s := New()
	data, err := encodeSession(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), data, r.ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pkg.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	s, err := decodeSession(data)
	if err != nil {
		// A corrupted entry cannot be resumed.
		r.client.Del(ctx, r.key(id))
		return nil, pkg.ErrSessionNotFound
	}
	return s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := encodeSession(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	// XX: only overwrite live sessions, never resurrect expired ones.
	ok, err := r.client.SetXX(ctx, r.key(s.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return pkg.ErrSessionNotFound
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return pkg.ErrSessionNotFound
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
