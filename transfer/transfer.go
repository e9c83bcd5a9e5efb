// Package transfer moves one file over an established peer connection.
//
// The sender offers name and size, the receiver accepts or rejects, the
// sender streams chunks and finishes with a BLAKE3 checksum of the content,
// and the receiver acknowledges once the file is verified and in place.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

const (
	MaxFileSize = 4 << 30   // 4 GB
	ChunkSize   = 16 * 1024 // 16 KB, fits one SCTP message

	maxNameLength = 255
	partSuffix    = ".part"
)

var (
	ErrRejected         = errors.New("transfer rejected by peer")
	ErrDeclined         = errors.New("transfer declined")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrProtocol         = errors.New("protocol violation")
)

// Offer describes the file the sender wants to transfer.
type Offer struct {
	Name string
	Size int64
}

// Progress reports bytes moved so far.
type Progress struct {
	Name  string
	Done  int64
	Total int64
}

// Result describes a completed transfer.
type Result struct {
	Name     string
	Path     string
	Size     int64
	Checksum []byte
	Duration time.Duration
}

// ValidateFileName checks file name for security
func ValidateFileName(fileName string) error {
	if fileName == "" || fileName == "." || fileName == ".." {
		return fmt.Errorf("invalid file name %q", fileName)
	}
	if filepath.Base(fileName) != fileName || strings.ContainsAny(fileName, `/\`) {
		return fmt.Errorf("invalid file name %q: path traversal detected", fileName)
	}
	if len(fileName) > maxNameLength {
		return fmt.Errorf("file name too long (max %d characters)", maxNameLength)
	}
	return nil
}

// Send offers the file at path, waits for the peer to accept and streams it.
func Send(ctx context.Context, conn Conn, path string, progress chan<- Progress) (Result, error) {
	start := time.Now()

	file, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Size() > MaxFileSize {
		return Result{}, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}

	name := filepath.Base(path)
	if err := ValidateFileName(name); err != nil {
		return Result{}, err
	}

	if err := writeFrame(ctx, conn, Frame{Type: FrameOffer, Name: name, Size: info.Size()}); err != nil {
		return Result{}, err
	}

	reply, err := readFrame(ctx, conn)
	if err != nil {
		return Result{}, fmt.Errorf("wait for accept: %w", err)
	}
	switch reply.Type {
	case FrameAccept:
	case FrameReject:
		return Result{}, fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
	default:
		return Result{}, fmt.Errorf("%w: expected accept, got %s", ErrProtocol, reply.Type)
	}

	slog.Info("Sending file", "name", name, "size", info.Size())

	hasher := blake3.New()
	buf := make([]byte, ChunkSize)
	var sent int64
	for {
		n, err := file.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if err := writeFrame(ctx, conn, Frame{Type: FrameChunk, Data: buf[:n]}); err != nil {
				return Result{}, err
			}
			sent += int64(n)
			report(progress, Progress{Name: name, Done: sent, Total: info.Size()})
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read file: %w", err)
		}
	}

	if sent != info.Size() {
		return Result{}, fmt.Errorf("file changed while sending: read %d of %d bytes", sent, info.Size())
	}

	sum := hasher.Sum(nil)
	if err := writeFrame(ctx, conn, Frame{Type: FrameDone, Checksum: sum}); err != nil {
		return Result{}, err
	}

	reply, err = readFrame(ctx, conn)
	if err != nil {
		return Result{}, fmt.Errorf("wait for ack: %w", err)
	}
	switch reply.Type {
	case FrameAck:
	case FrameReject:
		return Result{}, fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
	default:
		return Result{}, fmt.Errorf("%w: expected ack, got %s", ErrProtocol, reply.Type)
	}

	res := Result{
		Name:     name,
		Path:     path,
		Size:     sent,
		Checksum: sum,
		Duration: time.Since(start),
	}
	slog.Info("File sent", "name", name, "size", sent, "duration", res.Duration)
	return res, nil
}

// Receive waits for an offer, asks decide whether to take it, and stores the
// file in dir. An existing file is never overwritten; a numbered name is used
// instead. A nil decide accepts every offer.
func Receive(ctx context.Context, conn Conn, dir string, decide func(Offer) bool, progress chan<- Progress) (Result, error) {
	start := time.Now()

	f, err := readFrame(ctx, conn)
	if err != nil {
		return Result{}, fmt.Errorf("wait for offer: %w", err)
	}
	if f.Type != FrameOffer {
		return Result{}, fmt.Errorf("%w: expected offer, got %s", ErrProtocol, f.Type)
	}

	offer := Offer{Name: f.Name, Size: f.Size}
	if err := ValidateFileName(offer.Name); err != nil {
		reject(ctx, conn, "invalid file name")
		return Result{}, err
	}
	if offer.Size < 0 || offer.Size > MaxFileSize {
		reject(ctx, conn, "file too large")
		return Result{}, fmt.Errorf("offered size %d out of range", offer.Size)
	}
	if decide != nil && !decide(offer) {
		reject(ctx, conn, "declined by receiver")
		return Result{}, ErrDeclined
	}

	part, err := os.CreateTemp(dir, "."+offer.Name+".*"+partSuffix)
	if err != nil {
		reject(ctx, conn, "cannot create file")
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			part.Close()
			os.Remove(part.Name())
		}
	}()

	if err := writeFrame(ctx, conn, Frame{Type: FrameAccept}); err != nil {
		return Result{}, err
	}

	slog.Info("Receiving file", "name", offer.Name, "size", offer.Size)

	hasher := blake3.New()
	var received int64
	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			return Result{}, fmt.Errorf("receive chunk: %w", err)
		}

		if f.Type == FrameDone {
			if received != offer.Size {
				reject(ctx, conn, "size mismatch")
				return Result{}, fmt.Errorf("%w: got %d of %d bytes", ErrProtocol, received, offer.Size)
			}
			sum := hasher.Sum(nil)
			if string(sum) != string(f.Checksum) {
				reject(ctx, conn, "checksum mismatch")
				return Result{}, ErrChecksumMismatch
			}

			path, err := commit(part, dir, offer.Name)
			if err != nil {
				reject(ctx, conn, "cannot store file")
				return Result{}, err
			}
			committed = true

			if err := writeFrame(ctx, conn, Frame{Type: FrameAck}); err != nil {
				slog.Warn("Failed to acknowledge transfer", "error", err)
			}

			res := Result{
				Name:     offer.Name,
				Path:     path,
				Size:     received,
				Checksum: sum,
				Duration: time.Since(start),
			}
			slog.Info("File received", "name", offer.Name, "path", path, "duration", res.Duration)
			return res, nil
		}

		if f.Type != FrameChunk {
			return Result{}, fmt.Errorf("%w: expected chunk, got %s", ErrProtocol, f.Type)
		}
		if received+int64(len(f.Data)) > offer.Size {
			reject(ctx, conn, "size mismatch")
			return Result{}, fmt.Errorf("%w: more data than offered", ErrProtocol)
		}

		if _, err := part.Write(f.Data); err != nil {
			reject(ctx, conn, "write failed")
			return Result{}, fmt.Errorf("write chunk: %w", err)
		}
		hasher.Write(f.Data)
		received += int64(len(f.Data))
		report(progress, Progress{Name: offer.Name, Done: received, Total: offer.Size})
	}
}

// commit syncs the temp file and moves it to a free name in dir.
func commit(part *os.File, dir, name string) (string, error) {
	if err := part.Sync(); err != nil {
		return "", fmt.Errorf("sync file: %w", err)
	}
	if err := part.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}

	path, err := freePath(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(part.Name(), path); err != nil {
		return "", fmt.Errorf("rename: %w", err)
	}
	return path, nil
}

// freePath returns dir/name, or "name (n).ext" for the first n not taken.
func freePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = stem + " (" + strconv.Itoa(i) + ")" + ext
		}
		path := filepath.Join(dir, candidate)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}

func reject(ctx context.Context, conn Conn, reason string) {
	if err := writeFrame(ctx, conn, Frame{Type: FrameReject, Reason: reason}); err != nil {
		slog.Debug("Failed to send reject", "reason", reason, "error", err)
	}
}

// report delivers p without blocking the transfer on a slow consumer.
func report(progress chan<- Progress, p Progress) {
	if progress == nil {
		return
	}
	select {
	case progress <- p:
	default:
	}
}
