package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/andresmejia3/facestage/internal/logging"
	"github.com/andresmejia3/facestage/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func frame(body []byte) []byte {
	out := new(bytes.Buffer)
	binary.Write(out, binary.BigEndian, uint32(len(body)))
	out.Write(body)
	return out.Bytes()
}

func okBody(prob float32, vec []float32) []byte {
	b := new(bytes.Buffer)
	b.WriteByte(statusOK)
	binary.Write(b, binary.BigEndian, prob)
	binary.Write(b, binary.BigEndian, uint32(len(vec)))
	binary.Write(b, binary.BigEndian, vec)
	return b.Bytes()
}

func mockWorker(responses ...[]byte) (*PythonWorker, *MockCloser) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range responses {
		data.Write(frame(r))
	}
	return &PythonWorker{ID: 1, Stdin: stdin, DataPipe: data}, stdin
}

func TestEmbed(t *testing.T) {
	vec := make([]float32, 512)
	vec[0] = 0.5
	w, stdin := mockWorker(okBody(0.99, vec))

	input := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	res, err := w.Embed(input)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	sent := stdin.Bytes()
	if len(sent) != 4+len(input) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(input), len(sent))
	}
	if binary.BigEndian.Uint32(sent[:4]) != uint32(len(input)) {
		t.Errorf("bad length header %v", sent[:4])
	}

	if len(res.Vec) != 512 {
		t.Fatalf("Expected 512-d vector, got %d", len(res.Vec))
	}
	if math.Abs(float64(res.Vec[0])-0.5) > 1e-9 {
		t.Errorf("Expected vector[0] approx 0.5, got %f", res.Vec[0])
	}
	if math.Abs(float64(res.Prob)-0.99) > 1e-6 {
		t.Errorf("Expected prob 0.99, got %f", res.Prob)
	}
}

func TestEmbed_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	body := new(bytes.Buffer)
	body.WriteByte(statusError)
	binary.Write(body, binary.BigEndian, uint32(len(errMsg)))
	body.WriteString(errMsg)

	w, _ := mockWorker(body.Bytes())
	_, err := w.Embed([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestEmbed_Kinds(t *testing.T) {
	tests := []struct {
		name   string
		status byte
		want   types.Kind
	}{
		{"no face", statusNoFace, types.NoFaceDetected},
		{"unreadable", statusUnreadable, types.ImageUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := mockWorker([]byte{tt.status})
			_, err := w.Embed([]byte("frame"))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %s, got %v", tt.want, err)
			}
		})
	}
}

func TestEmbed_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"empty", []byte{}},
		{"unknown status", []byte{9}},
		{"truncated vector", okBody(0.9, []float32{1, 2, 3})[:12]},
		{"zero dim", okBody(0.9, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := mockWorker(tt.body)
			if _, err := w.Embed([]byte("frame")); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCommunicate_RejectsOversizedFrame(t *testing.T) {
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(data, binary.BigEndian, uint32(0xFFFFFFF0))
	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: data}

	if _, err := w.Communicate([]byte("frame")); err == nil {
		t.Fatal("expected an oversized reply length to be rejected")
	}

	// The largest legitimate reply still fits.
	w, _ = mockWorker(okBody(0.9, make([]float32, maxDim)))
	if _, err := w.Embed([]byte("frame")); err != nil {
		t.Fatalf("max-size embedding rejected: %v", err)
	}
}

func TestService_RestartsAfterCrash(t *testing.T) {
	vec := []float32{1, 2}
	workers := []*PythonWorker{}
	first, _ := mockWorker() // no response: behaves like a dead child
	second, _ := mockWorker(okBody(0.8, vec))
	workers = append(workers, first, second)

	s := &Service{logger: logging.Nop()}
	s.start = func() (*PythonWorker, error) {
		w := workers[0]
		workers = workers[1:]
		return w, nil
	}

	ctx := context.Background()
	if _, err := s.Embed(ctx, []byte("a")); err == nil {
		t.Fatal("expected failure from crashed worker")
	}
	res, err := s.Embed(ctx, []byte("b"))
	if err != nil {
		t.Fatalf("expected restarted worker to answer: %v", err)
	}
	if len(res.Vec) != 2 || res.Vec[1] != 2 {
		t.Errorf("unexpected vector %v", res.Vec)
	}
	if s.started != 2 {
		t.Errorf("expected 2 starts, got %d", s.started)
	}
}

func TestService_CancelledContext(t *testing.T) {
	s := &Service{logger: logging.Nop(), start: func() (*PythonWorker, error) {
		t.Fatal("worker must not start for a cancelled context")
		return nil, nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Embed(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOptionsArgs(t *testing.T) {
	o := Options{Script: "python/embed_worker.py", ImageSize: 240, MinFaceSize: 20, Thresholds: []float64{0.5, 0.6, 0.6}, Pretrained: "vggface2"}
	args := o.args()
	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	want := "-u python/embed_worker.py --image-size 240 --margin 0 --min-face-size 20 --pretrained vggface2 --thresholds 0.5,0.6,0.6 "
	if joined != want {
		t.Errorf("args = %q, want %q", joined, want)
	}
}
