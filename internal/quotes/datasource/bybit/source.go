package bybit

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/datasource/model"
	"clusterx.com/internal/quotes/mdsource"
)

// Options：CSV 来源的公共参数
type Options struct {
	Resolution cluster.Resolution
	// OnReject：被拒绝的行（不含表头），用于计数
	OnReject func(err error)
	// Stats：同一次运行的所有文件共用一份，nil 时每个文件自己一份
	Stats *RowStats
	Log   *zap.Logger
}

// RowStats：读到的行数。DaySource 每次 Run 都新建 FileSource，所以计数放在外面
type RowStats struct {
	rows     atomic.Int64
	rejected atomic.Int64
}

// Rows 通过校验、发出去的成交
func (s *RowStats) Rows() int64 { return s.rows.Load() }

// Rejected 被拒绝的行（不含表头）
func (s *RowStats) Rejected() int64 { return s.rejected.Load() }

func (o Options) logger() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

// FileSource：读本地 .csv 或 .csv.gz
type FileSource struct {
	path string
	opts Options
}

func NewFileSource(path string, opts Options) *FileSource {
	if opts.Stats == nil {
		opts.Stats = &RowStats{}
	}
	return &FileSource{path: path, opts: opts}
}

func (s *FileSource) Name() string { return s.path }

func (s *FileSource) Run(ctx context.Context, out chan<- model.Trade) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReaderSize(f, 1<<20)
	if strings.HasSuffix(s.path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}
	return s.read(ctx, r, out)
}

func (s *FileSource) read(ctx context.Context, r io.Reader, out chan<- model.Trade) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	log := s.opts.logger()
	var rejected int64
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		t, err := ParseRecord(rec, s.opts.Resolution)
		if err != nil {
			if errors.Is(err, ErrHeader) {
				continue
			}
			rejected++
			s.opts.Stats.rejected.Add(1)
			if rejected == 1 {
				log.Warn("rejecting malformed rows", zap.String("file", s.path), zap.Error(err))
			}
			if s.opts.OnReject != nil {
				s.opts.OnReject(err)
			}
			continue
		}
		s.opts.Stats.rows.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- t:
		}
	}
}

// DaySource：某一天的归档，Run 时下载（或命中缓存）再读
type DaySource struct {
	symbol  string
	day     time.Time
	fetcher *Fetcher
	opts    Options
}

func (s *DaySource) Name() string { return s.symbol + s.day.Format(time.DateOnly) }

func (s *DaySource) Day() time.Time { return s.day }

func (s *DaySource) Run(ctx context.Context, out chan<- model.Trade) error {
	path, err := s.fetcher.Fetch(ctx, s.symbol, s.day)
	if err != nil {
		return err
	}
	return NewFileSource(path, s.opts).Run(ctx, out)
}

// LookbackDays 返回最近 daysAgo 个完整的 UTC 自然日（不含今天），从旧到新
func LookbackDays(clk clock.Clock, daysAgo int) []time.Time {
	now := clk.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := make([]time.Time, 0, daysAgo)
	for i := daysAgo; i >= 1; i-- {
		days = append(days, today.AddDate(0, 0, -i))
	}
	return days
}

// DailySources 每天一个 Source，从旧到新，保证交给 Runner 的成交整体有序
func DailySources(symbol string, daysAgo int, clk clock.Clock, f *Fetcher, opts Options) []mdsource.Source {
	days := LookbackDays(clk, daysAgo)
	if opts.Stats == nil {
		opts.Stats = &RowStats{}
	}
	out := make([]mdsource.Source, 0, len(days))
	for _, d := range days {
		out = append(out, &DaySource{symbol: symbol, day: d, fetcher: f, opts: opts})
	}
	return out
}

// FileSources 本地文件模式，按给定顺序
func FileSources(paths []string, opts Options) []mdsource.Source {
	if opts.Stats == nil {
		opts.Stats = &RowStats{}
	}
	out := make([]mdsource.Source, 0, len(paths))
	for _, p := range paths {
		out = append(out, NewFileSource(p, opts))
	}
	return out
}
