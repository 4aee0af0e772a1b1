package s3

import (
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionPool manages a pool of S3 client connections
type ConnectionPool struct {
	mu          sync.Mutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool

	stats PoolStats
}

// PoolStats tracks connection pool statistics
type PoolStats struct {
	Idle        int       `json:"idle"`
	Total       int       `json:"total"`
	MaxSize     int       `json:"max_size"`
	Hits        int64     `json:"hits"`
	Created     int64     `json:"created"`
	Destroyed   int64     `json:"destroyed"`
	Timeouts    int64     `json:"timeouts"`
	Errors      int64     `json:"errors"`
	LastCreated time.Time `json:"last_created"`
	LastError   string    `json:"last_error"`
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 4
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory cannot be nil")
	}

	return &ConnectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
		stats:       PoolStats{MaxSize: maxSize},
	}, nil
}

// Get retrieves a connection from the pool, creating one if the pool has
// headroom, and otherwise waiting up to the default timeout.
func (p *ConnectionPool) Get() *s3.Client {
	return p.GetWithTimeout(30 * time.Second)
}

// GetWithTimeout retrieves a connection with a timeout
func (p *ConnectionPool) GetWithTimeout(timeout time.Duration) *s3.Client {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}

	select {
	case conn := <-p.connections:
		p.stats.Hits++
		p.mu.Unlock()
		return conn
	default:
	}

	// Pool is empty. Create a fresh client while we have headroom.
	if p.currentSize < p.maxSize {
		conn, err := p.createLocked()
		p.mu.Unlock()
		if err != nil {
			return nil
		}
		return conn
	}
	p.mu.Unlock()

	// At capacity with every client checked out. Wait for a return.
	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.mu.Unlock()
		return conn
	case <-time.After(timeout):
		p.mu.Lock()
		p.stats.Timeouts++
		p.mu.Unlock()
		return nil
	}
}

// Put returns a connection to the pool
func (p *ConnectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	select {
	case p.connections <- conn:
	default:
		// Pool is full, discard the connection
		p.stats.Destroyed++
		p.currentSize--
	}
}

// Warmup pre-fills the pool with connections
func (p *ConnectionPool) Warmup(count int) error {
	if count <= 0 || count > p.maxSize {
		count = p.maxSize
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pool is closed")
	}

	var failures int
	for i := 0; i < count && p.currentSize < p.maxSize; i++ {
		conn, err := p.createLocked()
		if err != nil {
			failures++
			continue
		}
		select {
		case p.connections <- conn:
		default:
			p.stats.Destroyed++
			p.currentSize--
		}
	}

	if failures > 0 {
		return fmt.Errorf("warmup partially failed: %d errors", failures)
	}
	return nil
}

// Stats returns current pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Total = p.currentSize
	stats.Idle = len(p.connections)
	return stats
}

// Close closes the connection pool
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	close(p.connections)
	for range p.connections {
		p.stats.Destroyed++
	}
	p.currentSize = 0
	return nil
}

func (p *ConnectionPool) createLocked() (*s3.Client, error) {
	conn, err := p.factory()
	if err != nil {
		p.stats.Errors++
		p.stats.LastError = err.Error()
		return nil, err
	}
	p.currentSize++
	p.stats.Created++
	p.stats.LastCreated = time.Now()
	return conn, nil
}
