package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	logx "belltower/pkg/logx"
)

type call struct {
	bin   string
	args  []string
	stdin string
}

func newFakeAudio(cfg Config, installed map[string]bool, fail map[string]error) (*Audio, *[]call) {
	a := NewAudio(cfg, logx.Nop())
	var calls []call
	a.lookPath = func(bin string) (string, error) {
		if installed[bin] {
			return "/usr/bin/" + bin, nil
		}
		return "", errors.New("not found")
	}
	a.runCmd = func(ctx context.Context, bin string, args []string, stdin string) error {
		calls = append(calls, call{bin: bin, args: args, stdin: stdin})
		return fail[filepath.Base(bin)]
	}
	return a, &calls
}

func touch(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return p
}

func TestPlayPrefersDecoderForCompressed(t *testing.T) {
	a, calls := newFakeAudio(Config{}, map[string]bool{"aplay": true, "mpg123": true}, nil)
	file := touch(t, "bell.mp3")

	if err := a.play(context.Background(), file); err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("want 1 call, got %d", len(*calls))
	}
	if got := (*calls)[0].bin; got != "/usr/bin/mpg123" {
		t.Fatalf("want mpg123 first for mp3, got %s", got)
	}
	if got := (*calls)[0].args; len(got) != 2 || got[0] != "-q" || got[1] != file {
		t.Fatalf("unexpected args %v", got)
	}
}

func TestPlayPrefersAplayForWav(t *testing.T) {
	a, calls := newFakeAudio(Config{}, map[string]bool{"aplay": true, "mpg123": true}, nil)
	file := touch(t, "bell.wav")

	if err := a.play(context.Background(), file); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := (*calls)[0].bin; got != "/usr/bin/aplay" {
		t.Fatalf("want aplay first for wav, got %s", got)
	}
}

func TestPlayFallsThroughFailingPlayer(t *testing.T) {
	a, calls := newFakeAudio(Config{},
		map[string]bool{"mpg123": true, "ffplay": true},
		map[string]error{"mpg123": errors.New("boom")})
	file := touch(t, "bell.mp3")

	if err := a.play(context.Background(), file); err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("want fallback call, got %d calls", len(*calls))
	}
	if got := (*calls)[1].bin; got != "/usr/bin/ffplay" {
		t.Fatalf("want ffplay fallback, got %s", got)
	}
}

func TestPlayNoPlayerInstalled(t *testing.T) {
	a, _ := newFakeAudio(Config{}, nil, nil)
	file := touch(t, "bell.wav")
	if err := a.play(context.Background(), file); err == nil {
		t.Fatal("want error with no players installed")
	}
}

func TestPlayMissingFile(t *testing.T) {
	a, calls := newFakeAudio(Config{}, map[string]bool{"aplay": true}, nil)
	if err := a.play(context.Background(), "/no/such/file.wav"); err == nil {
		t.Fatal("want error for missing file")
	}
	if len(*calls) != 0 {
		t.Fatalf("no player should run for missing file, got %d calls", len(*calls))
	}
}

func TestSpeakPipesTextToPiper(t *testing.T) {
	a, calls := newFakeAudio(Config{
		TTS: TTS{Enabled: true, ModelPath: "/models/en.onnx"},
	}, map[string]bool{"piper": true, "aplay": true}, nil)

	if err := a.speak(context.Background(), "School assembly at ten"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("want piper then player, got %d calls", len(*calls))
	}
	first := (*calls)[0]
	if first.bin != "/usr/bin/piper" {
		t.Fatalf("want piper call, got %s", first.bin)
	}
	if first.stdin != "School assembly at ten" {
		t.Fatalf("text must flow via stdin, got %q", first.stdin)
	}
	if first.args[0] != "--model" || first.args[1] != "/models/en.onnx" {
		t.Fatalf("unexpected piper args %v", first.args)
	}
}

func TestSpeakDisabled(t *testing.T) {
	a, _ := newFakeAudio(Config{}, map[string]bool{"piper": true}, nil)
	if err := a.speak(context.Background(), "hello"); err == nil {
		t.Fatal("want error when tts disabled")
	}
}

func TestFireSilentEvent(t *testing.T) {
	a, calls := newFakeAudio(Config{}, map[string]bool{"aplay": true}, nil)
	if err := a.Fire(context.Background(), Payload{EventID: 7, Description: "quiet"}); err != nil {
		t.Fatalf("silent fire must succeed: %v", err)
	}
	if len(*calls) != 0 {
		t.Fatalf("silent fire must not spawn players, got %d calls", len(*calls))
	}
}
