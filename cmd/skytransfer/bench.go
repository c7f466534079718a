package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kenneth/skytransfer/internal/crypto"
	"github.com/kenneth/skytransfer/internal/transfer"
)

var (
	benchSize       int64
	benchChunkSize  int
	benchEncryption string
	benchRuns       int
	benchBuffer     int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure local encryption and decryption throughput",
	Long: `Encrypt random data with the inline and the worker chunk source and
decrypt it again, entirely in memory. No storage backend is contacted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		codec, err := benchCodec()
		if err != nil {
			return err
		}
		plaintext := make([]byte, benchSize)
		key := make([]byte, 32)
		if _, err := rand.Read(plaintext); err != nil {
			return err
		}
		if _, err := rand.Read(key); err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Mode", "Encrypt", "Decrypt", "Chunks"})
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)

		for _, offload := range []bool{false, true} {
			res, err := benchRun(cmd.Context(), codec, plaintext, key, offload)
			if err != nil {
				return err
			}
			mode := "inline"
			if offload {
				mode = fmt.Sprintf("worker (buffer %d)", benchBuffer)
			}
			table.Append([]string{
				mode,
				throughput(benchSize, res.encrypt),
				throughput(benchSize, res.decrypt),
				fmt.Sprint(crypto.TotalChunks(benchSize, codec.ChunkSize())),
			})
		}
		fmt.Printf("%s, %s, %d runs\n\n", codec.Type(), humanSize(benchSize), benchRuns)
		table.Render()
		return nil
	},
}

func init() {
	benchCmd.Flags().Int64Var(&benchSize, "size", 64<<20, "plaintext size in bytes")
	benchCmd.Flags().IntVar(&benchChunkSize, "chunk-size", 0, "plaintext chunk size (0 selects the scheme default)")
	benchCmd.Flags().StringVar(&benchEncryption, "encryption", string(crypto.EncryptionTypeXChaCha20Poly1305), "encryption type")
	benchCmd.Flags().IntVar(&benchRuns, "runs", 3, "runs per mode, the fastest is reported")
	benchCmd.Flags().IntVar(&benchBuffer, "buffer", 4, "worker chunk buffer")
}

func benchCodec() (crypto.Codec, error) {
	t := crypto.EncryptionType(benchEncryption)
	if benchChunkSize > 0 {
		return crypto.CodecWithChunkSize(t, benchChunkSize)
	}
	return crypto.CodecFor(t)
}

type benchResult struct {
	encrypt time.Duration
	decrypt time.Duration
}

// memoryFetcher serves ranges of an in-memory ciphertext.
type memoryFetcher []byte

func (m memoryFetcher) FetchRange(_ context.Context, start, end int64, received func(int64)) ([]byte, error) {
	if received != nil {
		received(end - start)
	}
	return m[start:end], nil
}

func benchRun(ctx context.Context, codec crypto.Codec, plaintext, key []byte, offload bool) (benchResult, error) {
	best := benchResult{encrypt: time.Duration(1<<63 - 1), decrypt: time.Duration(1<<63 - 1)}
	for i := 0; i < benchRuns; i++ {
		src := transfer.NewChunkSource(codec, offload, benchBuffer)
		if err := src.Init(bytes.NewReader(plaintext), int64(len(plaintext)), key, nil); err != nil {
			return best, err
		}
		ciphertext := bytes.NewBuffer(make([]byte, 0, src.StreamSize()))

		start := time.Now()
		_, err := io.Copy(ciphertext, transfer.NewChunkReader(ctx, src))
		src.Terminate()
		if err != nil {
			return best, err
		}
		best.encrypt = min(best.encrypt, time.Since(start))

		dec, err := crypto.NewStreamDecryptor(codec, key, int64(ciphertext.Len()), memoryFetcher(ciphertext.Bytes()), nil)
		if err != nil {
			return best, err
		}
		start = time.Now()
		n, err := dec.DecryptTo(ctx, io.Discard)
		if err != nil {
			return best, err
		}
		if n != int64(len(plaintext)) {
			return best, fmt.Errorf("decrypted %d of %d bytes", n, len(plaintext))
		}
		best.decrypt = min(best.decrypt, time.Since(start))
	}
	return best, nil
}

func throughput(n int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f MiB/s", float64(n)/d.Seconds()/(1<<20))
}
