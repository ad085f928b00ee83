package jsonarray

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrNotArray = errors.New("jsonarray: not a json array")

type ReplayStats struct {
	Records int
	// 数组没有以 ']' 结束（被 Abort 的输出）
	TruncatedTail bool
}

type ReplayOptions struct {
	// 为 true 时，缺少结尾 ']' 的文件读到最后一个完整元素为止，不报错
	AllowTruncatedTail bool
}

// Replay 逐个回放数组元素，onRecord 拿到的是元素的原始 JSON
func Replay(path string, opts ReplayOptions, onRecord func(payload []byte) error) (ReplayStats, error) {
	var st ReplayStats
	f, err := os.Open(path)
	if err != nil {
		return st, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return st, ErrNotArray
		}
		return st, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return st, ErrNotArray
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if isTruncated(err) {
				st.TruncatedTail = true
				if opts.AllowTruncatedTail {
					return st, nil
				}
			}
			return st, fmt.Errorf("jsonarray: record %d: %w", st.Records, err)
		}
		if err := onRecord(raw); err != nil {
			return st, err
		}
		st.Records++
	}

	if _, err := dec.Token(); err != nil {
		if isTruncated(err) {
			st.TruncatedTail = true
			if opts.AllowTruncatedTail {
				return st, nil
			}
		}
		return st, fmt.Errorf("jsonarray: closing bracket: %w", err)
	}
	return st, nil
}

// ReadAll 把整个数组读成 RawMessage 列表（测试和校验工具用）
func ReadAll(path string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	_, err := Replay(path, ReplayOptions{}, func(p []byte) error {
		out = append(out, append(json.RawMessage(nil), p...))
		return nil
	})
	return out, err
}

func isTruncated(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
