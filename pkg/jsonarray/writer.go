package jsonarray

import (
	"bufio"
	"errors"
	"os"
)

// 流式写 JSON 数组的包：[e1,e2,...]
// 元素之间的分隔符写在"除第一个以外的每个元素之前"，
// 所以任何时刻中断，文件里都不会出现尾随逗号
const defaultFilePerm = 0o644

var (
	ErrClosed       = errors.New("jsonarray: writer closed")
	ErrEmptyPayload = errors.New("jsonarray: empty payload")
)

type Writer struct {
	f  *os.File
	bw *bufio.Writer

	count  int
	closed bool
	// 记录"已写入文件的逻辑偏移"（包含未 flush 的 bufio 数据也算）
	off int64
}

// OpenWrite 新建（截断）path 并写入开头的 '['
func OpenWrite(path string, buffSize int) (*Writer, error) {
	if buffSize <= 0 {
		buffSize = 1 << 20 // 1M 的内存
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		f:  file,
		bw: bufio.NewWriterSize(file, buffSize),
	}
	if err := w.bw.WriteByte('['); err != nil {
		_ = file.Close()
		return nil, err
	}
	w.off = 1
	return w, nil
}

// Append 写入一个已经编码好的 JSON 元素
func (w *Writer) Append(payload []byte) error {
	if w.closed {
		return ErrClosed
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if w.count > 0 {
		if err := w.bw.WriteByte(','); err != nil {
			return err
		}
		w.off++
	}
	if _, err := w.bw.Write(payload); err != nil {
		return err
	}
	w.count++
	w.off += int64(len(payload))
	return nil
}

// Count 已写入的元素个数
func (w *Writer) Count() int { return w.count }

// Offset 已写入的字节数（包含 bufio 里的）
func (w *Writer) Offset() int64 { return w.off }

// Path 当前文件路径
func (w *Writer) Path() string { return w.f.Name() }

// Flush 刷新到磁盘
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	// 将buf刷新到内核，什么时候落盘依据操作系统
	if err := w.bw.Flush(); err != nil {
		return err
	}
	// 再次确认 将数据刷新到磁盘
	return w.f.Sync()
}

// Close 写入结尾的 ']'，刷盘并关闭。之后文件是一个完整的 JSON 数组
func (w *Writer) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	if err := w.bw.WriteByte(']'); err != nil {
		_ = w.f.Close()
		return err
	}
	w.off++
	return w.syncAndClose()
}

// Discard 不写结尾，只把已有的数据刷出去然后关闭（用于失败的输出）
func (w *Writer) Discard() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	return w.syncAndClose()
}

func (w *Writer) syncAndClose() error {
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}
