// Package worker drives the Python face-embedding process.
//
// Protocol (all integers big endian):
//
//	request:  [u32 len][image bytes]
//	response: [u32 len][body]
//	body:     [u8 status] ...
//	  0 ok        [f32 prob][u32 dim][dim x f32]
//	  1 error     [u32 msglen][msg]
//	  2 no face
//	  3 unreadable image
//
// Requests go to the child's stdin; responses come back on FD 3 so that library chatter on
// stdout cannot corrupt the stream.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/andresmejia3/facestage/internal/types"
	"github.com/andresmejia3/facestage/internal/utils"
)

const (
	statusOK byte = iota
	statusError
	statusNoFace
	statusUnreadable
)

// maxDim bounds the embedding size accepted from the child.
const maxDim = 8192

// maxResponse bounds a reply frame: a full-size embedding plus its header. Error
// messages are truncated by the worker to fit.
const maxResponse = maxDim*4 + 16

// Options are passed to the Python script as flags.
type Options struct {
	Python      string
	Script      string
	ImageSize   int
	Margin      int
	MinFaceSize int
	Thresholds  []float64
	Pretrained  string
}

func (o Options) args() []string {
	th := make([]string, len(o.Thresholds))
	for i, v := range o.Thresholds {
		th[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	args := []string{"-u", o.Script,
		"--image-size", strconv.Itoa(o.ImageSize),
		"--margin", strconv.Itoa(o.Margin),
		"--min-face-size", strconv.Itoa(o.MinFaceSize),
		"--pretrained", o.Pretrained,
	}
	if len(th) > 0 {
		args = append(args, "--thresholds", strings.Join(th, ","))
	}
	return args
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

func NewPythonWorker(ctx context.Context, id int, opts Options) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, opts.Python, opts.args()...)

	// Side-channel pipe: the child sees the write end as FD 3.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end from here on.
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed child (e.g. ModuleNotFoundError) surfaces here
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("python worker response of %d bytes exceeds %d", respLen, maxResponse)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Embed sends an encoded image and decodes the face embedding.
func (w *PythonWorker) Embed(image []byte) (types.FaceResult, error) {
	body, err := w.Communicate(image)
	if err != nil {
		return types.FaceResult{}, err
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (types.FaceResult, error) {
	if len(body) == 0 {
		return types.FaceResult{}, errors.New("empty response from python worker")
	}
	r := bytes.NewReader(body[1:])

	switch body[0] {
	case statusOK:
		var prob float32
		var dim uint32
		if err := binary.Read(r, binary.BigEndian, &prob); err != nil {
			return types.FaceResult{}, fmt.Errorf("reading probability: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
			return types.FaceResult{}, fmt.Errorf("reading dimension: %w", err)
		}
		if dim == 0 || dim > maxDim {
			return types.FaceResult{}, fmt.Errorf("invalid embedding dimension %d", dim)
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return types.FaceResult{}, fmt.Errorf("reading embedding: %w", err)
		}
		return types.FaceResult{Prob: prob, Vec: vec}, nil

	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return types.FaceResult{}, fmt.Errorf("reading error length: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return types.FaceResult{}, fmt.Errorf("reading error message: %w", err)
		}
		return types.FaceResult{}, fmt.Errorf("python worker error: %s", msg)

	case statusNoFace:
		return types.FaceResult{}, types.Fail(types.NoFaceDetected, "embed", errors.New("no face in image"))

	case statusUnreadable:
		return types.FaceResult{}, types.Fail(types.ImageUnreadable, "embed", errors.New("worker could not decode image"))

	default:
		return types.FaceResult{}, fmt.Errorf("unknown worker status %d", body[0])
	}
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

// Service shares one worker process between invocations. The process starts on first
// use and is restarted after a protocol failure. Calls are serialized.
type Service struct {
	mu      sync.Mutex
	start   func() (*PythonWorker, error)
	current *PythonWorker
	started int
	logger  *slog.Logger
}

// NewService runs workers with opts; the processes live until ctx is cancelled or Close.
func NewService(ctx context.Context, opts Options, logger *slog.Logger) *Service {
	s := &Service{logger: logger}
	s.start = func() (*PythonWorker, error) {
		return NewPythonWorker(ctx, s.started, opts)
	}
	return s
}

// Embed returns the embedding of the most prominent face in image.
func (s *Service) Embed(ctx context.Context, image []byte) (types.FaceResult, error) {
	if err := ctx.Err(); err != nil {
		return types.FaceResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		w, err := s.start()
		if err != nil {
			return types.FaceResult{}, err
		}
		s.started++
		s.current = w
		s.logger.Info("embedding worker started", "worker", w.ID)
	}

	w := s.current
	body, err := w.Communicate(image)
	if err != nil {
		// The stream is out of sync or the child died; drop it and start fresh next time.
		s.current = nil
		w.Close()
		if tail := w.Cmd.StderrTail(1024); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		s.logger.Warn("embedding worker failed", "worker", w.ID, "error", err)
		return types.FaceResult{}, fmt.Errorf("embedding worker %d: %w", w.ID, err)
	}
	return decodeBody(body)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}
