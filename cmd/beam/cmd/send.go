package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/udisondev/beam/p2p"
	"github.com/udisondev/beam/registry"
	"github.com/udisondev/beam/transfer"
)

var (
	sendRelay   string
	sendNoRelay bool
	sendCopy    bool
	sendPlain   bool
)

var sendCmd = &cobra.Command{
	Use:   "send [path]",
	Short: "Send a file",
	Long: `Send a file to a peer. Without a path an interactive file picker opens.

The relay hands out a short code for the receiver to type. With --no-relay
the full connection ticket is printed instead and the receiver's answer is
read back from standard input.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendRelay, "relay", "r", "", "Relay registry URL (default $BEAM_RELAY or "+defaultRelay+")")
	sendCmd.Flags().BoolVar(&sendNoRelay, "no-relay", false, "Exchange tickets by copy and paste instead of a relay")
	sendCmd.Flags().BoolVar(&sendCopy, "copy", false, "Copy the code or ticket to the clipboard")
	sendCmd.Flags().BoolVar(&sendPlain, "plain", false, "Print progress as plain lines")

	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) {
	setupLogging(slog.LevelWarn)

	var path string
	if len(args) > 0 {
		path = args[0]
	} else {
		var err error
		if path, err = pickFile(""); err != nil {
			exitWithError("Cannot select file", err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		exitWithError("Cannot open file", err)
	}
	if !info.Mode().IsRegular() {
		exitWithError("Cannot send", fmt.Errorf("%s is not a regular file", path))
	}
	if info.Size() > transfer.MaxFileSize {
		exitWithError("Cannot send", fmt.Errorf("file is %s, limit is %s", humanSize(info.Size()), humanSize(transfer.MaxFileSize)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	offerer, ticket, err := p2p.NewOfferer(ctx, p2p.DefaultConfig())
	if err != nil {
		exitWithError("Failed to prepare connection", err)
	}
	defer offerer.Close()

	var answer []byte
	if sendNoRelay {
		answer, err = exchangeByHand(ctx, ticket, os.Stdin)
	} else {
		answer, err = exchangeByRelay(ctx, registry.NewClient(relayURL(sendRelay)), ticket)
	}
	if err != nil {
		exitWithError("Failed to reach receiver", err)
	}

	fmt.Println("Connecting...")
	stream, err := offerer.Accept(ctx, answer)
	if err != nil {
		exitWithError("Failed to connect", err)
	}
	fmt.Println("✓ Connected")

	res, err := runTransfer(ctx, sendPlain, os.Stdout, "Sending", info.Size(), nil,
		func(progress chan<- transfer.Progress) (transfer.Result, error) {
			return transfer.Send(ctx, stream, path, progress)
		})
	if err != nil {
		exitWithError("Transfer failed", err)
	}

	fmt.Println(successLine("Sent %s (%s) in %s", res.Name, humanSize(res.Size), res.Duration.Round(time.Millisecond)))
}

// exchangeByRelay registers the ticket, shows the code and waits for the
// receiver's answer.
func exchangeByRelay(ctx context.Context, client *registry.Client, ticket []byte) ([]byte, error) {
	reg, err := client.Register(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	expires := time.Duration(reg.ExpiresInSeconds) * time.Second
	fmt.Println()
	fmt.Println("Code:  " + titleStyle.Render(reg.Code))
	fmt.Println("Words: " + reg.Words)
	fmt.Printf("\nOn the other machine run:\n  beam receive %s\n\n", reg.Code)
	fmt.Printf("The code expires in %s.\n", expires)
	if sendCopy {
		copyToClipboard(reg.Code)
	}

	fmt.Println("Waiting for the receiver...")
	ctx, cancel := context.WithTimeout(ctx, expires)
	defer cancel()
	return client.AwaitAnswer(ctx, reg.Code, reg.OwnerToken)
}

// exchangeByHand prints the ticket and reads the answer ticket from in.
func exchangeByHand(ctx context.Context, ticket []byte, in io.Reader) ([]byte, error) {
	text := p2p.EncodeText(ticket)
	fmt.Println("\nTicket:")
	fmt.Println(text)
	fmt.Println("\nOn the other machine run:\n  beam receive <ticket>")
	if sendCopy {
		copyToClipboard(text)
	}

	fmt.Print("\nPaste the receiver's answer and press Enter: ")
	line, err := readLine(ctx, in)
	if err != nil {
		return nil, err
	}
	return p2p.DecodeText(line)
}

func copyToClipboard(text string) {
	if err := clipboard.WriteAll(text); err != nil {
		slog.Warn("Failed to copy to clipboard", "error", err)
		fmt.Fprintln(os.Stderr, "(clipboard unavailable)")
		return
	}
	fmt.Println("✓ Copied to clipboard")
}

// readLine reads one line from in, giving up when ctx is done.
func readLine(ctx context.Context, in io.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- result{line, err}
	}()

	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
