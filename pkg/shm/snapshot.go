package shm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/bytebufferpool"
)

// HeaderSnapshot is a copy of a region's control header.
type HeaderSnapshot struct {
	Name           string `json:"name,omitempty"`
	Path           string `json:"path,omitempty"`
	Size           int    `json:"size"`
	SystemTime     uint64 `json:"system_time_ms"`
	RequestCode    uint32 `json:"request_code"`
	Dirty          bool   `json:"dirty"`
	ResetRequested bool   `json:"reset_requested"`
	ChangeFlags    []int  `json:"change_flags"`
}

func snapshotHeader(h *controlHeader) *HeaderSnapshot {
	code := h.loadRequestCode()
	s := &HeaderSnapshot{
		SystemTime:     h.loadSystemTime(),
		RequestCode:    code,
		Dirty:          code&RequestDirty != 0,
		ResetRequested: code&RequestReset != 0,
		ChangeFlags:    []int{},
	}
	for i, f := range h.changeFlags {
		if f != 0 {
			s.ChangeFlags = append(s.ChangeFlags, i)
		}
	}
	return s
}

// InspectRegion reads the header of the backing object at path without mapping it or
// taking its gate. Fields may be mid-update.
func InspectRegion(path string) (*HeaderSnapshot, error) {
	mem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(mem) < HeaderSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, shorter than the %d byte header",
			ErrLayoutMismatch, path, len(mem), HeaderSize)
	}
	code := uint32(binary.NativeEndian.Uint64(mem[requestCodeOffset:]))
	s := &HeaderSnapshot{
		Path:           path,
		Size:           len(mem),
		SystemTime:     binary.NativeEndian.Uint64(mem[systemTimeOffset:]),
		RequestCode:    code,
		Dirty:          code&RequestDirty != 0,
		ResetRequested: code&RequestReset != 0,
		ChangeFlags:    []int{},
	}
	for i, f := range mem[changeFlagsOffset:HeaderSize] {
		if f != 0 {
			s.ChangeFlags = append(s.ChangeFlags, i)
		}
	}
	return s, nil
}

// DebugRegionDetail prints the header of the backing object at path.
func DebugRegionDetail(w io.Writer, path string) error {
	s, err := InspectRegion(path)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(s.String()))
	return err
}

func (s *HeaderSnapshot) String() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	fmt.Fprintf(buf, "path:%s size:%d time:%d request:%#x dirty:%t reset:%t flags:%v\n",
		s.Path, s.Size, s.SystemTime, s.RequestCode, s.Dirty, s.ResetRequested, s.ChangeFlags)
	return buf.String()
}

// JSON encodes the snapshot.
func (s *HeaderSnapshot) JSON() ([]byte, error) {
	return jsoniter.ConfigFastest.Marshal(s)
}
