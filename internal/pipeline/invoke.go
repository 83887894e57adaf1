package pipeline

import (
	"context"
	"net/http"

	"github.com/andresmejia3/facestage/internal/logging"
	"github.com/andresmejia3/facestage/internal/types"
)

// Channels name the two arrival streams.
const (
	ChannelVideo = "video"
	ChannelFrame = "frame"
)

// Respond converts a stage outcome into the response returned to the caller.
func Respond(err error, message string) types.Response {
	if err == nil {
		return types.Response{StatusCode: http.StatusOK, Status: "success", Message: message}
	}
	kind := types.KindOf(err)
	return types.Response{
		StatusCode: kind.StatusCode(),
		Status:     "error",
		Message:    err.Error(),
		Kind:       kind,
	}
}

// Dispatch runs the stage for one arrival and never returns an error: the outcome is in
// the response.
func (c *Coordinator) Dispatch(ctx context.Context, channel string, ref types.ObjectRef) types.Response {
	switch channel {
	case ChannelVideo:
		res, err := c.HandleVideo(ctx, ref)
		resp := Respond(err, "Video split successfully")
		for _, f := range res.Frames {
			resp.Frames = append(resp.Frames, f.Key)
		}
		return resp
	case ChannelFrame:
		res, err := c.HandleFrame(ctx, ref)
		resp := Respond(err, "Face recognition completed successfully")
		if err == nil {
			resp.Result = res.Label
			resp.OutputFile = res.Output.Key
		}
		return resp
	default:
		return Respond(types.Fail(types.InvalidRequest, "dispatch", errUnknownChannel(channel)), "")
	}
}

// HandleEvent decodes a storage notification and dispatches every record in order.
// The first failure decides the response; later records still run.
func (c *Coordinator) HandleEvent(ctx context.Context, channel string, ev types.StorageEvent) types.Response {
	refs, err := ev.Objects()
	if err != nil {
		c.Logger.Warn("rejected event", "channel", channel, logging.Err(err))
		return Respond(err, "")
	}

	var out types.Response
	for i, ref := range refs {
		resp := c.Dispatch(ctx, channel, ref)
		switch {
		case i == 0:
			out = resp
		case out.StatusCode == http.StatusOK && resp.StatusCode != http.StatusOK:
			out = resp
		case out.StatusCode == http.StatusOK:
			out.Frames = append(out.Frames, resp.Frames...)
		}
	}
	return out
}

// Invoke handles a direct invocation of the resolver stage.
func (c *Coordinator) Invoke(ctx context.Context, p types.InvokePayload) types.Response {
	ref, err := p.Ref()
	if err != nil {
		c.Logger.Warn("rejected invocation", logging.Err(err))
		return Respond(err, "")
	}
	return c.Dispatch(ctx, ChannelFrame, ref)
}

type errUnknownChannel string

func (e errUnknownChannel) Error() string { return "unknown channel " + string(e) }
