package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/call"
	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/signaling"
	"github.com/BioHazard786/warpcall/internal/ui"
	"github.com/BioHazard786/warpcall/internal/utils"
)

type joinOptions struct {
	identity  string
	room      string
	video     string
	audio     string
	recordDir string
	plain     bool

	server   string
	stun     string
	turn     string
	turnUser string
	turnPass string
	relay    bool
}

var joinOpts joinOptions

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Join a room and call everyone in it",
	Long: `Join a room on the relay. Everyone who joins after you is called
automatically; everyone already there calls you when they see you arrive.

Examples:
  warpcall join --identity alice@example.com --room blue-fox-mint-lake --audio voice.ogg
  warpcall join --identity bob --video cam.ivf --audio mic.ogg --record ./calls
  warpcall join --identity carol --room r1 --plain --server http://localhost:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd, joinOpts)
	},
}

func runJoin(cmd *cobra.Command, opts joinOptions) error {
	ctx := cmd.Context()

	if opts.room == "" {
		opts.room = utils.GenerateRoomID()
	}

	cfg, err := config.Load(config.Options{
		Server:     opts.server,
		STUNServer: opts.stun,
		TURNServer: opts.turn,
		TURNUser:   opts.turnUser,
		TURNPass:   opts.turnPass,
		ForceRelay: opts.relay,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	media, err := call.OpenLocalMedia(opts.video, opts.audio, opts.identity)
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}
	if len(media.Tracks()) == 0 {
		ui.PrintWarning("No --audio or --video given, you will only receive media.")
	}

	api, err := call.NewAPI(log.Logger)
	if err != nil {
		return err
	}

	sp := ui.RunConnectionSpinner("Connecting to relay...")
	client := signaling.NewClient(cfg.WebSocketURL)
	if err := client.Connect(ctx); err != nil {
		sp.Error("Could not reach the relay")
		return err
	}
	defer client.Close()
	sp.Stop()

	handler := signaling.NewHandler(client)
	go handler.Start()

	plain := opts.plain || !isatty.IsTerminal(os.Stdout.Fd())
	var view ui.CallView
	if plain {
		view = ui.NewPlainUI(os.Stdin, os.Stdout)
	} else {
		view = ui.NewCallUI(opts.room, opts.identity, media.Audio != nil, media.Video != nil)
	}

	s := newCallSession(sessionConfig{
		identity: opts.identity,
		roomID:   opts.room,
		cfg:      cfg,
		api:      api,
		client:   client,
		handler:  handler,
		media:    media,
		recorder: &call.Recorder{Dir: opts.recordDir},
		view:     view,
	})

	err = s.run(ctx)
	if errors.Is(err, errHungUp) {
		err = nil
	}
	ui.RenderCallSummary(s.summary())
	return err
}

func init() {
	rootCmd.AddCommand(joinCmd)

	f := joinCmd.Flags()
	f.StringVarP(&joinOpts.identity, "identity", "i", "", "Identity other callers reach you by (required)")
	f.StringVarP(&joinOpts.room, "room", "r", "", "Room to join (a random one is generated when empty)")
	f.StringVar(&joinOpts.video, "video", "", "IVF file (VP8/VP9) to send as video")
	f.StringVar(&joinOpts.audio, "audio", "", "Ogg/Opus file to send as audio")
	f.StringVar(&joinOpts.recordDir, "record", "", "Directory to record remote VP8/Opus tracks into")
	f.BoolVar(&joinOpts.plain, "plain", false, "Line-oriented output, commands read from stdin")

	f.StringVarP(&joinOpts.server, "server", "d", "", "Relay host or URL")
	f.StringVarP(&joinOpts.stun, "stun", "s", "", "Custom STUN server")
	f.StringVarP(&joinOpts.turn, "turn", "t", "", "Custom TURN server")
	f.StringVarP(&joinOpts.turnUser, "turn-user", "u", "", "TURN username")
	f.StringVarP(&joinOpts.turnPass, "turn-pass", "p", "", "TURN password")
	f.BoolVar(&joinOpts.relay, "relay", false, "Force relay mode")

	joinCmd.MarkFlagRequired("identity")
}
