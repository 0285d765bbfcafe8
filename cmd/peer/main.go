package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/callscribe/internal/adapters/capture"
	"github.com/dkeye/callscribe/internal/adapters/playback"
	"github.com/dkeye/callscribe/internal/adapters/rtc"
	"github.com/dkeye/callscribe/internal/adapters/storeclient"
	"github.com/dkeye/callscribe/internal/adapters/transcriber"
	"github.com/dkeye/callscribe/internal/app/call"
	"github.com/dkeye/callscribe/internal/config"
	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/history"
	"github.com/dkeye/callscribe/internal/media"
)

const usage = `usage: callscribe-peer [flags] <command> [args]

commands:
  join <ROOM>     join a call; a new room code is generated when ROOM is omitted
  rooms           list rooms on the store
  history <ROOM>  print the stored transcript of a room
  delete <ROOM>   delete a room with its signals and transcript
  transcribe <FILE>
                  transcribe a recording and keep the result in the local history
  local [list|delete <ID>|clear]
                  show or edit the local history of file transcriptions

While joined, SIGUSR1 toggles mute.
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("callscribe-peer", pflag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	flags.String("store-url", "", "store server base url")
	flags.String("transcriber-url", "", "transcription service base url")
	flags.String("media", "", "audio or audio+video")
	flags.String("role", "", "auto, initiator or responder")
	flags.String("media-source", "", "ffmpeg or silence")
	flags.Duration("segment", 0, "transcription segment length")
	flags.String("record", "", "write the remote audio to this Ogg file")
	flags.String("history", "", "local history file for file transcriptions")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	_ = flags.Parse(os.Args[1:])

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		os.Exit(2)
	}
	store := storeclient.New(cfg.Peer.StoreURL, 15*time.Second)

	switch args[0] {
	case "join":
		code := domain.NewRoomCode()
		if len(args) > 1 {
			code, err = domain.ParseRoomCode(args[1])
		}
		if err == nil {
			err = runJoin(ctx, cfg, store, code)
		}
	case "rooms":
		err = runRooms(ctx, store)
	case "history":
		err = withRoom(args, func(code domain.RoomCode) error { return runHistory(ctx, store, code) })
	case "delete":
		err = withRoom(args, func(code domain.RoomCode) error { return store.DeleteRoom(ctx, code) })
	case "transcribe":
		if len(args) < 2 {
			err = errors.New("file required")
			break
		}
		err = runTranscribeFile(ctx, cfg, args[1])
	case "local":
		err = runLocalHistory(history.New(afero.NewOsFs(), cfg.Peer.HistoryFile), args[1:])
	default:
		flags.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		os.Exit(1)
	}
}

func withRoom(args []string, fn func(domain.RoomCode) error) error {
	if len(args) < 2 {
		return errors.New("room code required")
	}
	code, err := domain.ParseRoomCode(args[1])
	if err != nil {
		return err
	}
	return fn(code)
}

func runJoin(ctx context.Context, cfg *config.Config, store core.Store, code domain.RoomCode) error {
	kind, err := domain.ParseMediaKind(cfg.Peer.MediaKind)
	if err != nil {
		return err
	}
	role, err := domain.ParseRole(cfg.Peer.Role)
	if err != nil {
		return err
	}

	settings := rtc.DefaultSettings()
	settings.ICEServers = cfg.Peer.ICEServers
	transports, err := rtc.NewFactory(settings)
	if err != nil {
		return err
	}

	var source core.MediaSource
	switch cfg.Peer.MediaSource {
	case "silence":
		source = media.SilenceMediaSource{StreamID: "callscribe-" + string(code)}
	case "ffmpeg", "":
		source = capture.NewFFMPEGSource(capture.Config{
			Command:     cfg.Peer.FFmpeg,
			AudioFormat: cfg.Peer.AudioFormat,
			AudioDevice: cfg.Peer.AudioDevice,
			VideoFormat: cfg.Peer.VideoFormat,
			VideoDevice: cfg.Peer.VideoDevice,
			StreamID:    "callscribe-" + string(code),
		})
	default:
		return fmt.Errorf("unknown media source %q", cfg.Peer.MediaSource)
	}

	recorder := playback.NewRecorder(cfg.Peer.RecordRemote)
	logger := log.With().Str("module", "peer").Str("room", string(code)).Logger()

	session := call.NewSession(call.Deps{
		Store:       store,
		Transports:  transports,
		Media:       source,
		Transcriber: transcriber.NewHTTPClient(cfg.Peer.TranscriberURL, cfg.Peer.TranscribeTimeout),
	}, call.Config{
		MediaKind:           kind,
		Role:                role,
		SegmentDuration:     cfg.Peer.SegmentDuration,
		TranscribeOnConnect: cfg.Peer.TranscribeOnConnect,
		TranscribeTimeout:   cfg.Peer.TranscribeTimeout,
		DrainTimeout:        cfg.Peer.DrainTimeout,
	}, call.Hooks{
		OnState: func(st domain.ConnectionState) {
			logger.Info().Str("state", string(st)).Msg("connection state")
		},
		OnRemoteTrack: recorder.HandleTrack,
		OnFragment: func(f domain.Fragment) {
			fmt.Printf("[%s] %s\n", f.InsertedAt.Local().Format(time.TimeOnly), f.Text)
		},
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("session error")
		},
	})

	info, err := session.Join(ctx, code)
	if err != nil {
		return err
	}
	logger.Info().
		Str("session", string(info.RecordID)).
		Str("peer", string(info.LocalPeerID)).
		Str("role", string(info.Role)).
		Msg("joined; share the room code with the other participant")

	toggle := make(chan os.Signal, 1)
	signal.Notify(toggle, syscall.SIGUSR1)
	defer signal.Stop(toggle)

	callCtx, endCall := context.WithCancel(ctx)
	defer endCall()
	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		muted := false
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-toggle:
				muted = !muted
				if err := session.SetMuted(muted); err != nil {
					logger.Warn().Err(err).Msg("mute toggle")
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-session.Lost():
			logger.Warn().Err(err).Msg("call ended")
			endCall()
			return nil
		}
	})
	runErr := g.Wait()

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), cfg.Peer.DrainTimeout+5*time.Second)
	defer leaveCancel()
	leaveErr := session.Leave(leaveCtx)
	if err := recorder.Close(); err != nil {
		logger.Warn().Err(err).Msg("recorder close")
	}

	frags := session.Transcript()
	logger.Info().Int("fragments", len(frags)).Msg("left the call")
	return errors.Join(runErr, leaveErr)
}

func runRooms(ctx context.Context, store *storeclient.Client) error {
	rooms, err := store.ListRooms(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rooms)
}

func runHistory(ctx context.Context, store *storeclient.Client, code domain.RoomCode) error {
	room, err := store.LookupRoom(ctx, code)
	if err != nil {
		return err
	}
	frags, err := store.ListFragments(ctx, room.RecordID)
	if err != nil {
		return err
	}
	for _, f := range frags {
		fmt.Printf("[%s] %s\n", f.InsertedAt.Local().Format(time.TimeOnly), f.Text)
	}
	return nil
}

func runTranscribeFile(ctx context.Context, cfg *config.Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	client := transcriber.NewHTTPClient(cfg.Peer.TranscriberURL, cfg.Peer.TranscribeTimeout)
	res, err := client.TranscribeFile(ctx, path, f)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	if res.Summary != "" {
		fmt.Printf("\nsummary: %s\n", res.Summary)
	}

	entry, err := history.New(afero.NewOsFs(), cfg.Peer.HistoryFile).Add(history.Entry{
		Text:     res.Text,
		Summary:  res.Summary,
		Mode:     history.ModeFile,
		FileName: filepath.Base(path),
	})
	if err != nil {
		// The transcript is already printed; losing the history entry is not fatal.
		log.Warn().Str("module", "peer").Err(err).Msg("history not saved")
		return nil
	}
	log.Info().Str("module", "peer").Str("id", entry.ID).Msg("saved to history")
	return nil
}

func runLocalHistory(h *history.Store, args []string) error {
	cmd := "list"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "list":
		entries, err := h.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %-5s %s\n", e.ID, e.CreatedAt.Local().Format(time.DateTime), e.Mode, e.FileName)
			fmt.Printf("    %s\n", e.Text)
		}
		return nil
	case "delete":
		if len(args) < 2 {
			return errors.New("entry id required")
		}
		return h.Delete(args[1])
	case "clear":
		return h.Clear()
	}
	return fmt.Errorf("unknown history command %q", cmd)
}
