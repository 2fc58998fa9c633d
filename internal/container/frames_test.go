package container

import (
	"log/slog"
	"strings"
	"testing"
)

func collectFrames(t *testing.T, input string) []Output {
	t.Helper()
	out := make(chan Output, 16)
	go ParseFrames(strings.NewReader(input), out, slog.Default())
	var frames []Output
	for f := range out {
		frames = append(frames, f)
	}
	return frames
}

func TestParseFramesIgnoresNoise(t *testing.T) {
	input := strings.Join([]string{
		"npm WARN deprecated something",
		"[agent] booting",
		OutputStartMarker,
		`{"status":"partial","result":"thinking"}`,
		OutputEndMarker,
		"random stderr chatter",
		OutputStartMarker,
		`{"status":"success","result":"done","newSessionId":"sess-2"}`,
		OutputEndMarker,
		"shutdown log line",
	}, "\n")

	frames := collectFrames(t, input)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Status != StatusPartial || frames[0].Result != "thinking" {
		t.Errorf("unexpected first frame %+v", frames[0])
	}
	if frames[1].Status != StatusSuccess || frames[1].NewSessionID != "sess-2" {
		t.Errorf("unexpected second frame %+v", frames[1])
	}
}

func TestParseFramesMultilineBody(t *testing.T) {
	input := strings.Join([]string{
		OutputStartMarker,
		`{"status":"success",`,
		`"result":"two lines"}`,
		OutputEndMarker,
	}, "\n")

	frames := collectFrames(t, input)
	if len(frames) != 1 || frames[0].Result != "two lines" {
		t.Fatalf("unexpected frames %+v", frames)
	}
}

func TestParseFramesSkipsBadJSON(t *testing.T) {
	input := strings.Join([]string{
		OutputStartMarker,
		"not json at all",
		OutputEndMarker,
		OutputStartMarker,
		`{"status":"success"}`,
		OutputEndMarker,
	}, "\n")

	frames := collectFrames(t, input)
	if len(frames) != 1 || frames[0].Status != StatusSuccess {
		t.Fatalf("unexpected frames %+v", frames)
	}
}

func TestParseFramesUnterminatedFrameDropped(t *testing.T) {
	input := strings.Join([]string{
		OutputStartMarker,
		`{"status":"success"}`,
		// EOF before the end marker: the frame never completed.
	}, "\n")

	if frames := collectFrames(t, input); len(frames) != 0 {
		t.Fatalf("incomplete frame emitted: %+v", frames)
	}
}
