package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	logx "belltower/pkg/logx"
)

// Config tunes the audio sink.
type Config struct {
	// Players overrides the built-in player chain. Each entry is a command
	// name; arguments are chosen per player.
	Players []string `json:"players"`
	TTS     TTS      `json:"tts"`
}

// TTS configures spoken announcements via piper.
type TTS struct {
	Enabled   bool   `json:"enabled"`
	PiperBin  string `json:"piper_bin"`  // default "piper"
	ModelPath string `json:"model_path"` // .onnx voice model
}

type player struct {
	bin  string
	args func(file string) []string
}

var knownPlayers = map[string]func(string) []string{
	"mpg123": func(f string) []string { return []string{"-q", f} },
	"ffplay": func(f string) []string { return []string{"-nodisp", "-autoexit", "-loglevel", "quiet", f} },
	"mpv":    func(f string) []string { return []string{"--no-video", "--really-quiet", f} },
	"paplay": func(f string) []string { return []string{f} },
	"aplay":  func(f string) []string { return []string{"-q", f} },
}

// defaultChain lists players in preference order for non-compressed audio.
var defaultChain = []string{"aplay", "paplay", "mpg123", "ffplay", "mpv"}

// compressedChain handles formats aplay cannot decode.
var compressedChain = []string{"mpg123", "ffplay", "mpv", "paplay", "aplay"}

// Audio plays sound files through the first available system player and
// speaks announcements through piper.
type Audio struct {
	cfg Config
	log logx.Logger

	lookPath func(string) (string, error)
	runCmd   func(ctx context.Context, bin string, args []string, stdin string) error
}

func NewAudio(cfg Config, log logx.Logger) *Audio {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Audio{
		cfg:      cfg,
		log:      log,
		lookPath: exec.LookPath,
		runCmd:   runCommand,
	}
}

func runCommand(ctx context.Context, bin string, args []string, stdin string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.Run()
}

func (a *Audio) Fire(ctx context.Context, p Payload) error {
	log := a.log.With(logx.Int64("event_id", p.EventID), logx.String("description", p.Description))

	var errs []error
	if p.SoundPath != "" {
		if err := a.play(ctx, p.SoundPath); err != nil {
			errs = append(errs, fmt.Errorf("play %s: %w", p.SoundPath, err))
		} else {
			log.Info("sound played", logx.String("file", p.SoundPath))
		}
	}
	if p.TTSText != "" {
		if err := a.speak(ctx, p.TTSText); err != nil {
			errs = append(errs, fmt.Errorf("speak: %w", err))
		} else {
			log.Info("announcement spoken")
		}
	}
	if p.SoundPath == "" && p.TTSText == "" {
		log.Info("silent event fired")
	}
	return errors.Join(errs...)
}

// play runs the file through the first installed player in the chain.
func (a *Audio) play(ctx context.Context, file string) error {
	if _, err := os.Stat(file); err != nil {
		return err
	}
	var lastErr error
	for _, p := range a.chainFor(file) {
		bin, err := a.lookPath(p.bin)
		if err != nil {
			continue
		}
		if err := a.runCmd(ctx, bin, p.args(file), ""); err != nil {
			lastErr = fmt.Errorf("%s: %w", p.bin, err)
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return errors.New("no audio player found")
}

func (a *Audio) chainFor(file string) []player {
	names := a.cfg.Players
	if len(names) == 0 {
		switch strings.ToLower(filepath.Ext(file)) {
		case ".mp3", ".m4a", ".aac", ".ogg":
			names = compressedChain
		default:
			names = defaultChain
		}
	}
	out := make([]player, 0, len(names))
	for _, n := range names {
		args, ok := knownPlayers[n]
		if !ok {
			args = func(f string) []string { return []string{f} }
		}
		out = append(out, player{bin: n, args: args})
	}
	return out
}

// speak synthesizes the text with piper into a temp wav, then plays it.
func (a *Audio) speak(ctx context.Context, text string) error {
	if !a.cfg.TTS.Enabled {
		return errors.New("tts disabled")
	}
	if a.cfg.TTS.ModelPath == "" {
		return errors.New("tts model path not configured")
	}
	piper := a.cfg.TTS.PiperBin
	if piper == "" {
		piper = "piper"
	}
	bin, err := a.lookPath(piper)
	if err != nil {
		return fmt.Errorf("piper not installed: %w", err)
	}

	tmp, err := os.CreateTemp("", "belltower-tts-*.wav")
	if err != nil {
		return err
	}
	out := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(out)

	args := []string{"--model", a.cfg.TTS.ModelPath, "--output_file", out}
	if err := a.runCmd(ctx, bin, args, text); err != nil {
		return fmt.Errorf("piper: %w", err)
	}
	return a.play(ctx, out)
}
