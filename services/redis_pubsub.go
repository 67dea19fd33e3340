package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 5 * time.Second

// RedisPubSub relays messages through a Redis channel so that every
// server instance broadcasts to its own clients regardless of which
// instance observed the original tick. Used when horizontally scaled.
//
// Publisher and subscriber connections are separate clients: a Redis
// connection in subscribe mode cannot run other commands.
type RedisPubSub struct {
	publisher  *redis.Client
	subscriber *redis.Client

	mu      sync.Mutex
	streams []*redis.PubSub

	queue     chan PubSubMessage
	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisPubSub connects both clients from a redis:// URL.
func NewRedisPubSub(redisURL string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	p := &RedisPubSub{
		publisher:  redis.NewClient(opts),
		subscriber: redis.NewClient(opts),
		queue:      make(chan PubSubMessage, 1024),
		done:       make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.publisher.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	go p.publishLoop()

	log.Println("PubSub: redis mode active (multi-server relay)")
	return p, nil
}

// Publish enqueues the message for the relay. When the queue is full
// (Redis degraded or down) the message is dropped; a missed broadcast
// must never crash or block the ingestion path.
func (p *RedisPubSub) Publish(msg PubSubMessage) {
	select {
	case p.queue <- msg:
	case <-p.done:
	default:
	}
}

// publishLoop drains the queue onto the Redis channel. Connection
// failures are logged and swallowed here, off the producer's goroutine.
func (p *RedisPubSub) publishLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.queue:
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Printf("RedisPubSub publish marshal failed: %v", err)
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
			if err := p.publisher.Publish(ctx, pubSubChannel, payload).Err(); err != nil {
				log.Printf("RedisPubSub publish failed: %v", err)
			}
			cancel()
		}
	}
}

// Subscribe registers a callback fed from the relay channel. Messages
// that fail to parse are logged and skipped.
func (p *RedisPubSub) Subscribe(callback func(PubSubMessage)) {
	stream := p.subscriber.Subscribe(context.Background(), pubSubChannel)

	p.mu.Lock()
	p.streams = append(p.streams, stream)
	p.mu.Unlock()

	go func() {
		ch := stream.Channel()
		for {
			select {
			case <-p.done:
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg PubSubMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					log.Printf("RedisPubSub message parse failed: %v", err)
					continue
				}
				callback(msg)
			}
		}
	}()
}

// Close unsubscribes and tears down both connections.
func (p *RedisPubSub) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		for _, stream := range p.streams {
			stream.Close()
		}
		p.mu.Unlock()

		if cerr := p.subscriber.Close(); cerr != nil {
			err = cerr
		}
		if cerr := p.publisher.Close(); cerr != nil {
			err = cerr
		}
	})
	return err
}

// NewPubSub selects the implementation at startup: the Redis relay
// when useRedis is set, the in-process bus otherwise.
func NewPubSub(useRedis bool, redisURL string) (PubSub, error) {
	if useRedis {
		return NewRedisPubSub(redisURL)
	}
	return NewMemoryPubSub(), nil
}
