package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts and keepalive for Redis connections.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
	DefaultTokenTTL     = 24 * time.Hour

	// Azure Cache for Redis drops connections idle for 10 minutes.
	pingInterval = 5 * time.Minute
)

// SessionKeySegment separates the application prefix from session ids.
const SessionKeySegment = "sess:"

// KV is the minimal key/value contract shared by the session lookup and the
// distributed token cache. Get returns "" without error for missing keys.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// RedisConnectionDetails is the parsed form of an Azure-style connection string.
type RedisConnectionDetails struct {
	Host         string
	Port         int
	Password     string
	SSL          bool
	AbortConnect bool
}

// ParseRedisConnectionString parses strings in the form
// 'some.example.org:6380,password=some_password,ssl=True,abortConnect=False'.
func ParseRedisConnectionString(str string) (RedisConnectionDetails, error) {
	parts := strings.Split(str, ",")
	if len(parts) != 4 {
		return RedisConnectionDetails{}, errors.New("unexpected redis connection string format, expected 4 parts")
	}
	hostPort, passwordPart, sslPart, abortConnectPart := parts[0], parts[1], parts[2], parts[3]

	hostParts := strings.Split(hostPort, ":")
	if len(hostParts) != 2 {
		return RedisConnectionDetails{}, errors.New("unexpected host:port format for redis string, expected 2 parts")
	}
	port, err := strconv.Atoi(hostParts[1])
	if err != nil {
		return RedisConnectionDetails{}, errors.New("unexpected port for redis string, expected int")
	}
	if !strings.HasPrefix(passwordPart, "password=") {
		return RedisConnectionDetails{}, errors.New("unexpected password for redis string, expected password=")
	}

	return RedisConnectionDetails{
		Host:         hostParts[0],
		Port:         port,
		Password:     strings.TrimPrefix(passwordPart, "password="),
		SSL:          strings.HasSuffix(strings.ToLower(sslPart), "true"),
		AbortConnect: strings.HasSuffix(strings.ToLower(abortConnectPart), "true"),
	}, nil
}

// RedisClient owns the shared Redis connection used for sessions and the
// distributed token cache.
type RedisClient struct {
	client   *redis.Client
	prefix   string
	tokenTTL time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewRedisClient connects lazily using an Azure-style connection string.
// prefix namespaces every key written by this application (e.g. "manage:").
func NewRedisClient(connString, prefix string, logger *slog.Logger) (*RedisClient, error) {
	details, err := ParseRedisConnectionString(connString)
	if err != nil {
		return nil, fmt.Errorf("parse redis connection string: %w", err)
	}

	opts := &redis.Options{
		Addr:         net.JoinHostPort(details.Host, strconv.Itoa(details.Port)),
		Password:     details.Password,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			logger.Info("connected to redis server", "addr", details.Host)
			return nil
		},
	}
	if details.SSL {
		opts.TLSConfig = &tls.Config{ServerName: details.Host, MinVersion: tls.VersionTLS12}
	}

	return newRedisClient(redis.NewClient(opts), prefix, logger), nil
}

func newRedisClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisClient {
	c := &RedisClient{
		client:   client,
		prefix:   prefix,
		tokenTTL: DefaultTokenTTL,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	go c.keepalive()
	return c
}

func (c *RedisClient) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), DefaultReadTimeout)
			if err := c.client.Ping(ctx).Err(); err != nil {
				c.logger.Error("could not establish a connection with redis server", "error", err)
			}
			cancel()
		case <-c.stop:
			return
		}
	}
}

// Client exposes the underlying go-redis client.
func (c *RedisClient) Client() *redis.Client {
	return c.client
}

// SessionPrefix is the key prefix under which browser sessions are stored.
func (c *RedisClient) SessionPrefix() string {
	return c.prefix + SessionKeySegment
}

// TokenCache returns a KV view namespaced for token cache partitions.
func (c *RedisClient) TokenCache() KV {
	return WithPrefix(c, c.prefix+"tokens:")
}

// Get returns the value stored at key or "" when absent.
func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

// Set stores value at key with the token cache TTL.
func (c *RedisClient) Set(ctx context.Context, key, value string) error {
	if err := c.client.Set(ctx, key, value, c.tokenTTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close stops the keepalive and closes the connection pool.
func (c *RedisClient) Close() error {
	close(c.stop)
	c.logger.Info("disconnected from redis server")
	return c.client.Close()
}

type prefixedKV struct {
	kv     KV
	prefix string
}

// WithPrefix namespaces every key of kv under prefix.
func WithPrefix(kv KV, prefix string) KV {
	return prefixedKV{kv: kv, prefix: prefix}
}

func (p prefixedKV) Get(ctx context.Context, key string) (string, error) {
	return p.kv.Get(ctx, p.prefix+key)
}

func (p prefixedKV) Set(ctx context.Context, key, value string) error {
	return p.kv.Set(ctx, p.prefix+key, value)
}
