package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/spf13/cobra"

	"github.com/udisondev/beam/p2p"
	"github.com/udisondev/beam/registry"
	"github.com/udisondev/beam/transfer"
)

var (
	receiveRelay  string
	receiveOut    string
	receiveYes    bool
	receiveNotify bool
	receivePlain  bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive <code|words|ticket>",
	Short: "Receive a file",
	Long: `Receive a file from a peer. The argument is the code the sender shows,
its word form ("kilo-three-..."), or a full ticket from 'beam send --no-relay'.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runReceive,
}

func init() {
	receiveCmd.Flags().StringVarP(&receiveRelay, "relay", "r", "", "Relay registry URL (default $BEAM_RELAY or "+defaultRelay+")")
	receiveCmd.Flags().StringVarP(&receiveOut, "out", "o", ".", "Directory to save the file in")
	receiveCmd.Flags().BoolVarP(&receiveYes, "yes", "y", false, "Accept the file without asking")
	receiveCmd.Flags().BoolVar(&receiveNotify, "notify", false, "Show a desktop notification when done")
	receiveCmd.Flags().BoolVar(&receivePlain, "plain", false, "Print progress as plain lines")

	rootCmd.AddCommand(receiveCmd)
}

// peerInput is what the user typed: a relay code or a raw ticket.
type peerInput struct {
	code   string
	ticket []byte
}

// parsePeerInput tells a full ticket apart from a code or its word form.
func parsePeerInput(args []string) peerInput {
	input := strings.Join(args, " ")
	if data, err := p2p.DecodeText(input); err == nil {
		if _, err := p2p.UnmarshalTicket(data); err == nil {
			return peerInput{ticket: data}
		}
	}
	return peerInput{code: registry.Normalize(input)}
}

func runReceive(cmd *cobra.Command, args []string) {
	setupLogging(slog.LevelWarn)

	if info, err := os.Stat(receiveOut); err != nil || !info.IsDir() {
		exitWithError("Invalid output directory", fmt.Errorf("%s is not a directory", receiveOut))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := parsePeerInput(args)
	client := registry.NewClient(relayURL(receiveRelay))

	ticket := in.ticket
	if ticket == nil {
		var err error
		if ticket, err = client.Resolve(ctx, in.code); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				exitWithError("Unknown code", errors.New("the code is wrong or has expired"))
			}
			exitWithError("Failed to resolve code", err)
		}
	}

	dialer, answer, err := p2p.Dial(ctx, p2p.DefaultConfig(), ticket)
	if err != nil {
		exitWithError("Failed to prepare connection", err)
	}
	defer dialer.Close()

	if in.ticket != nil {
		fmt.Println("\nAnswer for the sender:")
		fmt.Println(p2p.EncodeText(answer))
		fmt.Println()
	} else if err := client.PostAnswer(ctx, in.code, answer); err != nil {
		exitWithError("Failed to answer sender", err)
	}

	fmt.Println("Connecting...")
	stream, err := dialer.Stream(ctx)
	if err != nil {
		exitWithError("Failed to connect", err)
	}
	fmt.Println("✓ Connected")

	started := make(chan struct{})
	var offered transfer.Offer
	decide := func(o transfer.Offer) bool {
		offered = o
		if !receiveYes && !confirm(ctx, fmt.Sprintf("Receive %s (%s)? [y/N] ", o.Name, humanSize(o.Size))) {
			return false
		}
		close(started)
		return true
	}

	res, err := runTransfer(ctx, receivePlain, os.Stdout, "Receiving", 0, started,
		func(progress chan<- transfer.Progress) (transfer.Result, error) {
			return transfer.Receive(ctx, stream, receiveOut, decide, progress)
		})
	if errors.Is(err, transfer.ErrDeclined) {
		fmt.Println("Declined " + offered.Name)
		return
	}
	if err != nil {
		exitWithError("Transfer failed", err)
	}

	fmt.Println(successLine("Received %s (%s) in %s", res.Path, humanSize(res.Size), res.Duration.Round(time.Millisecond)))

	if receiveNotify {
		if err := beeep.Notify("Beam", "Received "+res.Name, ""); err != nil {
			slog.Warn("Failed to show notification", "error", err)
		}
	}
}

func confirm(ctx context.Context, prompt string) bool {
	fmt.Print(prompt)
	line, err := readLine(ctx, os.Stdin)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
