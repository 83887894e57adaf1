package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facestage/internal/extractor"
	"github.com/andresmejia3/facestage/internal/logging"
	"github.com/andresmejia3/facestage/internal/reference"
	"github.com/andresmejia3/facestage/internal/resolver"
	"github.com/andresmejia3/facestage/internal/scratch"
	"github.com/andresmejia3/facestage/internal/storage"
	"github.com/andresmejia3/facestage/internal/storage/local"
	"github.com/andresmejia3/facestage/internal/store"
	"github.com/andresmejia3/facestage/internal/types"
)

const (
	videos = "videos-input"
	frames = "frames-stage-1"
	output = "results-output"
)

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(0, 0, color.Gray{Y: shade})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeExtractor emits frames without ffmpeg. Single mode copies the video bytes into
// output_00; multi mode writes one distinct image per frame.
type fakeExtractor struct {
	mode   extractor.Mode
	images [][]byte
	err    error
}

func (e *fakeExtractor) Mode() extractor.Mode { return e.mode }
func (e *fakeExtractor) Ext() string          { return ".jpg" }

func (e *fakeExtractor) Extract(_ context.Context, video, outDir string) ([]string, error) {
	if e.err != nil {
		return nil, e.err
	}
	imgs := e.images
	if e.mode.Kind != extractor.ModeMulti {
		data, err := os.ReadFile(video)
		if err != nil {
			return nil, err
		}
		imgs = [][]byte{data}
	}
	var out []string
	for i, data := range imgs {
		p := filepath.Join(outDir, fmt.Sprintf("output_%02d.jpg", i))
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// tableEmbedder maps image bytes to embeddings.
type tableEmbedder struct {
	mu    sync.Mutex
	faces map[string][]float32
}

func (e *tableEmbedder) add(img []byte, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faces[string(img)] = vec
}

func (e *tableEmbedder) Embed(_ context.Context, data []byte) (types.FaceResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vec, ok := e.faces[string(data)]
	if !ok {
		return types.FaceResult{}, types.Fail(types.NoFaceDetected, "embed", errors.New("no face"))
	}
	return types.FaceResult{Prob: 0.99, Vec: vec}, nil
}

type fakeLedger struct {
	mu          sync.Mutex
	videos      []types.ObjectRef
	resolutions []store.Resolution
	err         error
}

func (l *fakeLedger) RecordVideo(_ context.Context, ref types.ObjectRef, _ int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.videos = append(l.videos, ref)
	return l.err
}

func (l *fakeLedger) RecordResolution(_ context.Context, r store.Resolution) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resolutions = append(l.resolutions, r)
	return l.err
}

type harness struct {
	root     string
	store    *local.Store
	scratch  string
	embedder *tableEmbedder
	ext      *fakeExtractor
	ledger   *fakeLedger
	coord    *Coordinator
	trigger  *LocalTrigger
}

func newHarness(t *testing.T, triggerMode string, mode extractor.Mode) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root:     root,
		store:    local.NewStore(filepath.Join(root, "buckets")),
		scratch:  filepath.Join(root, "scratch"),
		embedder: &tableEmbedder{faces: map[string][]float32{}},
		ext:      &fakeExtractor{mode: mode},
		ledger:   &fakeLedger{},
	}

	set, err := reference.NewSet("test",
		[]reference.Embedding{{0, 0}, {10, 0}, {0, 10}},
		[]string{"alice", "bob", "carol"})
	require.NoError(t, err)
	log := logging.Nop()
	res := resolver.New(h.embedder, resolver.NewCatalog(reference.Static(set), resolver.IndexLinear, 0, log), resolver.Options{}, log)

	h.coord = New(Config{
		FrameContainer:  frames,
		OutputContainer: output,
		TriggerMode:     triggerMode,
		Concurrency:     2,
	}, Deps{
		Store:     h.store,
		Extractor: h.ext,
		Resolver:  res,
		Scratch:   scratch.NewManager(h.scratch, log),
		Ledger:    h.ledger,
		Logger:    log,
	})
	h.trigger = NewLocalTrigger(h.coord.Invoke, log)
	h.coord.SetTrigger(h.trigger)
	return h
}

func (h *harness) put(t *testing.T, container, key string, data []byte) types.ObjectRef {
	t.Helper()
	src := filepath.Join(t.TempDir(), "upload")
	require.NoError(t, os.WriteFile(src, data, 0o644))
	require.NoError(t, h.store.Upload(context.Background(), src, container, key))
	return types.ObjectRef{Container: container, Key: key}
}

func (h *harness) read(container, key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.root, "buckets", container, filepath.FromSlash(key)))
	return string(data), err
}

func (h *harness) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.scratch)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch workspaces must be released")
}

func TestEndToEnd_DirectInvocation(t *testing.T) {
	h := newHarness(t, TriggerDirect, extractor.Mode{Kind: extractor.ModeSingle})
	face := pngBytes(t, 30)
	h.embedder.add(face, []float32{0.1, 9.9})
	video := h.put(t, videos, "clip_3.mp4", face)

	resp := h.coord.HandleEvent(context.Background(), ChannelVideo, types.NewStorageEvent(video))
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Message)
	assert.Equal(t, []string{"clip_03.jpg"}, resp.Frames)

	h.trigger.Wait()

	frame, err := h.read(frames, "clip_03.jpg")
	require.NoError(t, err)
	assert.Equal(t, string(face), frame)

	label, err := h.read(output, "clip_03.txt")
	require.NoError(t, err)
	assert.Equal(t, "carol", label)

	assert.Equal(t, []types.ObjectRef{video}, h.ledger.videos)
	require.Len(t, h.ledger.resolutions, 1)
	assert.Equal(t, "carol", h.ledger.resolutions[0].Label)
	assert.Equal(t, "clip_03.txt", h.ledger.resolutions[0].ResultKey)
	h.assertScratchEmpty(t)
}

func TestEndToEnd_StorageRetrigger(t *testing.T) {
	h := newHarness(t, TriggerStorage, extractor.Mode{Kind: extractor.ModeSingle})
	face := pngBytes(t, 30)
	h.embedder.add(face, []float32{0.1, 9.9})

	var mu sync.Mutex
	var responses []types.Response
	record := func(channel string) func(context.Context, types.ObjectRef) {
		return func(ctx context.Context, ref types.ObjectRef) {
			resp := h.coord.Dispatch(ctx, channel, ref)
			mu.Lock()
			defer mu.Unlock()
			responses = append(responses, resp)
		}
	}
	h.store.Subscribe(videos, record(ChannelVideo))
	h.store.Subscribe(frames, record(ChannelFrame))

	h.put(t, videos, "clip_3.mp4", face)
	h.store.Wait()

	label, err := h.read(output, "clip_03.txt")
	require.NoError(t, err)
	assert.Equal(t, "carol", label)

	require.Len(t, responses, 2)
	for _, r := range responses {
		assert.Equal(t, http.StatusOK, r.StatusCode, r.Message)
	}
	h.assertScratchEmpty(t)
}

func TestInvoke_NoFaceWritesNothing(t *testing.T) {
	h := newHarness(t, TriggerDirect, extractor.Mode{})
	frame := h.put(t, frames, "clip_07.jpg", pngBytes(t, 99))

	resp := h.coord.Invoke(context.Background(), types.InvokePayload{BucketName: frame.Container, ImageFileName: frame.Key})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, types.NoFaceDetected, resp.Kind)
	assert.Equal(t, "error", resp.Status)

	_, err := h.read(output, "clip_07.txt")
	assert.ErrorIs(t, err, os.ErrNotExist, "no result may be written on failure")
	assert.Empty(t, h.ledger.resolutions)
	h.assertScratchEmpty(t)
}

func TestInvoke_Errors(t *testing.T) {
	h := newHarness(t, TriggerDirect, extractor.Mode{})
	h.put(t, frames, "garbage.jpg", []byte("not an image"))

	tests := []struct {
		name    string
		payload types.InvokePayload
		status  int
		kind    types.Kind
	}{
		{"missing bucket", types.InvokePayload{ImageFileName: "a.jpg"}, http.StatusBadRequest, types.InvalidRequest},
		{"missing key", types.InvokePayload{BucketName: frames}, http.StatusBadRequest, types.InvalidRequest},
		{"missing object", types.InvokePayload{BucketName: frames, ImageFileName: "nope.jpg"}, http.StatusBadGateway, types.DownloadFailed},
		{"unreadable", types.InvokePayload{BucketName: frames, ImageFileName: "garbage.jpg"}, http.StatusUnprocessableEntity, types.ImageUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.coord.Invoke(context.Background(), tt.payload)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.kind, resp.Kind)
		})
	}
	h.assertScratchEmpty(t)
}

func TestHandleEvent_Invalid(t *testing.T) {
	h := newHarness(t, TriggerDirect, extractor.Mode{})

	resp := h.coord.HandleEvent(context.Background(), ChannelFrame, types.StorageEvent{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ev := types.NewStorageEvent(types.ObjectRef{Container: frames, Key: "x.jpg"})
	resp = h.coord.HandleEvent(context.Background(), "audio", ev)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleVideo_ExtractionFailure(t *testing.T) {
	h := newHarness(t, TriggerDirect, extractor.Mode{})
	h.ext.err = types.Fail(types.ExtractionFailed, "ffmpeg", errors.New("exit status 1"))
	video := h.put(t, videos, "broken.mp4", []byte("x"))

	_, err := h.coord.HandleVideo(context.Background(), video)
	assert.ErrorIs(t, err, types.ExtractionFailed)
	assert.Empty(t, h.ledger.videos)
	h.assertScratchEmpty(t)
}

type failingTrigger struct{}

func (failingTrigger) Invoke(context.Context, types.InvokePayload) error {
	return errors.New("connection refused")
}

func TestHandleVideo_TriggerFailure(t *testing.T) {
	h := newHarness(t, TriggerDirect, extractor.Mode{})
	h.coord.SetTrigger(failingTrigger{})
	video := h.put(t, videos, "clip_3.mp4", pngBytes(t, 1))

	_, err := h.coord.HandleVideo(context.Background(), video)
	assert.ErrorIs(t, err, types.TriggerFailed)
	h.assertScratchEmpty(t)
}

func TestConcurrentFramesStayIsolated(t *testing.T) {
	h := newHarness(t, TriggerStorage, extractor.Mode{Kind: extractor.ModeMulti})
	labels := []string{"alice", "bob", "carol"}
	vecs := [][]float32{{0.2, 0}, {9.5, 0.1}, {0, 9.7}}

	const n = 12
	for i := 0; i < n; i++ {
		img := pngBytes(t, uint8(i+1))
		h.embedder.add(img, vecs[i%3])
		h.ext.images = append(h.ext.images, img)
	}
	video := h.put(t, videos, "party_5.mp4", []byte("video"))

	res, err := h.coord.HandleVideo(context.Background(), video)
	require.NoError(t, err)
	require.Len(t, res.Frames, n)
	assert.Equal(t, "party_05/output_00.jpg", res.Frames[0].Key)

	var wg sync.WaitGroup
	for _, f := range res.Frames {
		wg.Add(1)
		go func(f types.ObjectRef) {
			defer wg.Done()
			_, _ = h.coord.HandleFrame(context.Background(), f)
		}(f)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		got, err := h.read(output, fmt.Sprintf("party_05/output_%02d.txt", i))
		require.NoError(t, err)
		assert.Equal(t, labels[i%3], got, "frame %d", i)
	}
	h.assertScratchEmpty(t)
}

func TestLedgerFailureDoesNotFailStage(t *testing.T) {
	h := newHarness(t, TriggerDirect, extractor.Mode{})
	h.ledger.err = errors.New("db down")
	face := pngBytes(t, 50)
	h.embedder.add(face, []float32{9, 0})
	frame := h.put(t, frames, "clip_01.jpg", face)

	res, err := h.coord.HandleFrame(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Label)
	assert.Equal(t, types.ObjectRef{Container: output, Key: "clip_01.txt"}, res.Output)
}

func TestHTTPTrigger(t *testing.T) {
	var got types.InvokePayload
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke/resolve" {
			http.NotFound(w, r)
			return
		}
		header = r.Header.Get(InvocationTypeHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTrigger(srv.URL+"/", 100, logging.Nop())
	p := types.InvokePayload{BucketName: frames, ImageFileName: "clip_03.jpg"}
	require.NoError(t, tr.Invoke(context.Background(), p))
	assert.Equal(t, p, got)
	assert.Equal(t, "Event", header)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	err := NewHTTPTrigger(failing.URL, 0, logging.Nop()).Invoke(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

// chanNotifier delivers refs pushed on a channel, per container.
type chanNotifier struct {
	ch map[string]chan types.ObjectRef
}

func (n *chanNotifier) Listen(ctx context.Context, container string, h storage.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ref := <-n.ch[container]:
			h(ctx, ref)
		}
	}
}

func TestWatch(t *testing.T) {
	h := newHarness(t, TriggerStorage, extractor.Mode{})
	face := pngBytes(t, 30)
	h.embedder.add(face, []float32{0, 9})
	frame := h.put(t, frames, "clip_04.jpg", face)

	n := &chanNotifier{ch: map[string]chan types.ObjectRef{
		videos: make(chan types.ObjectRef),
		frames: make(chan types.ObjectRef),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Watch(ctx, n, videos, frames) }()

	n.ch[frames] <- frame
	n.ch[frames] <- types.ObjectRef{Container: frames, Key: "missing.jpg"} // handled after the first returns
	cancel()
	require.NoError(t, <-done)

	label, err := h.read(output, "clip_04.txt")
	require.NoError(t, err)
	assert.Equal(t, "carol", label)
}
