package bybit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"clusterx.com/pkg/breaker"
	"clusterx.com/pkg/logger"
)

const DefaultBaseURL = "https://public.bybit.com/trading"

var ErrNotFound = errors.New("bybit: archive not found")

type FetcherConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	CacheDir string `mapstructure:"cache_dir"`

	// 重试
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`

	// 对公共归档站点保持礼貌
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`

	// 站点挂了的时候后面几天直接失败，不再每天重试一轮
	Breaker breaker.Rule `mapstructure:"breaker"`
}

func (c *FetcherConfig) withDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.CacheDir == "" {
		c.CacheDir = "tmp"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 4
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Fetcher 下载每日归档 <SYM><YYYY-MM-DD>.csv.gz 到本地缓存目录；已缓存的直接复用
type Fetcher struct {
	cfg     FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[struct{}]
	log     *zap.Logger
}

func NewFetcher(cfg FetcherConfig, log *zap.Logger) *Fetcher {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cb:      breaker.New("bybit-archive", cfg.Breaker, healthyErr),
		log:     log,
	}
}

func archiveName(symbol string, day time.Time) string {
	return symbol + day.UTC().Format(time.DateOnly) + ".csv.gz"
}

// URL：<base>/<SYM>/<SYM><YYYY-MM-DD>.csv.gz
func (f *Fetcher) URL(symbol string, day time.Time) string {
	return fmt.Sprintf("%s/%s/%s", f.cfg.BaseURL, symbol, archiveName(symbol, day))
}

// CachePath 本地缓存路径
func (f *Fetcher) CachePath(symbol string, day time.Time) string {
	return filepath.Join(f.cfg.CacheDir, archiveName(symbol, day))
}

// Fetch 返回本地 .csv.gz 路径。404 不重试，直接返回 ErrNotFound
func (f *Fetcher) Fetch(ctx context.Context, symbol string, day time.Time) (string, error) {
	path := f.CachePath(symbol, day)
	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		f.log.Debug("archive cache hit", zap.String("path", path), logger.TraceField(ctx))
		return path, nil
	}
	if err := os.MkdirAll(f.cfg.CacheDir, 0o755); err != nil {
		return "", err
	}

	url := f.URL(symbol, day)
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.cfg.InitialDelay
	exp.MaxInterval = f.cfg.MaxDelay
	exp.MaxElapsedTime = 0 // 只按次数限制
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(f.cfg.MaxRetries)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := breaker.Do(f.cb, func() error { return f.download(ctx, url, path) })
		if errors.Is(err, breaker.ErrOpen) {
			return backoff.Permanent(fmt.Errorf("bybit: archive host unhealthy: %w", err))
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			f.log.Warn("archive download failed",
				zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err), logger.TraceField(ctx))
		}
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	f.log.Info("archive downloaded", zap.String("url", url), zap.String("path", path), logger.TraceField(ctx))
	return path, nil
}

// healthyErr：这些错误不代表归档站点有问题，不计入熔断
func healthyErr(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// download 先写临时文件再 rename，下载一半的文件不会被当成缓存
func (f *Fetcher) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("bybit: GET %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return backoff.Permanent(err)
	}
	defer os.Remove(tmp.Name()) // rename 之后是 no-op

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
