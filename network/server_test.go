package network

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptsend/crypto"
	"cryptsend/models"
	"cryptsend/progress"
)

func startTestServer(t *testing.T, opts ReceiveOptions) *Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	server, err := Listen("127.0.0.1:0", opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}

func waitForResult(t *testing.T, server *Server) ReceiveResult {
	t.Helper()
	select {
	case result := <-server.Results():
		return result
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for receive result")
	}
	return ReceiveResult{}
}

func writeSourceFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestSendReceiveReportOverTCP(t *testing.T) {
	downloads := t.TempDir()
	receiverHistory := newMemoryHistory()
	server := startTestServer(t, ReceiveOptions{
		Password:    "correct123",
		DownloadDir: downloads,
		History:     receiverHistory,
	})

	source, data := writeSourceFile(t, t.TempDir(), "report.pdf", 1<<20)

	var lastProcessed int64
	senderHistory := newMemoryHistory()
	result, err := Send(context.Background(), source, SendOptions{
		Address:  server.Addr().String(),
		Password: "correct123",
		History:  senderHistory,
		Logger:   quietLogger(),
		Reporter: progress.ReporterFunc(func(processed, total int64, direction progress.Direction) {
			lastProcessed = processed
			assert.Equal(t, int64(1<<20), total)
			assert.Equal(t, progress.DirectionSend, direction)
		}),
	})
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.Equal(t, int64(1<<20), result.BytesSent)
	assert.Equal(t, int64(1<<20), lastProcessed)
	assert.Equal(t, "report.pdf", result.Header.Filename)

	received := waitForResult(t, server)
	require.NoError(t, received.Err)
	assert.Equal(t, filepath.Join(downloads, "report.pdf"), received.Path)
	assert.Equal(t, int64(1<<20), received.BytesReceived)

	got, err := os.ReadFile(filepath.Join(downloads, "report.pdf"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "received file differs from source")

	begun, finished, _ := receiverHistory.snapshot()
	require.Len(t, begun, 1)
	assert.Equal(t, models.DirectionReceive, begun[0].Direction)
	assert.Equal(t, models.StatusComplete, finished[begun[0].TransferID])

	begun, finished, _ = senderHistory.snapshot()
	require.Len(t, begun, 1)
	assert.Equal(t, models.DirectionSend, begun[0].Direction)
	assert.Equal(t, models.StatusComplete, finished[result.TransferID])
}

func TestSendWrongPasswordFailsBothSides(t *testing.T) {
	downloads := t.TempDir()
	receiverHistory := newMemoryHistory()
	server := startTestServer(t, ReceiveOptions{
		Password:    "correct123",
		DownloadDir: downloads,
		History:     receiverHistory,
	})

	source, _ := writeSourceFile(t, t.TempDir(), "report.pdf", 1<<20)

	_, err := Send(context.Background(), source, SendOptions{
		Address:  server.Addr().String(),
		Password: "wrong123",
		Logger:   quietLogger(),
	})
	require.ErrorIs(t, err, ErrIntegrityCheckFailed)

	received := waitForResult(t, server)
	require.ErrorIs(t, received.Err, ErrIntegrityCheckFailed)
	assertDirEmpty(t, downloads)

	begun, finished, kinds := receiverHistory.snapshot()
	require.Len(t, begun, 1)
	assert.Equal(t, models.StatusFailed, finished[begun[0].TransferID])
	assert.Equal(t, "IntegrityCheckFailed", kinds[begun[0].TransferID])
}

func TestConcurrentTransfersDoNotInterfere(t *testing.T) {
	downloads := t.TempDir()
	server := startTestServer(t, ReceiveOptions{
		Password:    "shared-secret",
		DownloadDir: downloads,
		KDF:         testKDF,
	})

	const transfers = 4
	sources := t.TempDir()
	want := make(map[string][]byte, transfers)
	paths := make([]string, 0, transfers)
	for i := 0; i < transfers; i++ {
		name := fmt.Sprintf("file-%d.bin", i)
		path, data := writeSourceFile(t, sources, name, 200*1024+i*977)
		want[name] = data
		paths = append(paths, path)
	}

	var wg sync.WaitGroup
	errs := make(chan error, transfers)
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			_, err := Send(context.Background(), path, SendOptions{
				Address:   server.Addr().String(),
				Password:  "shared-secret",
				KDF:       testKDF,
				ChunkSize: 4096,
				Logger:    quietLogger(),
			})
			errs <- err
		}(path)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < transfers; i++ {
		require.NoError(t, waitForResult(t, server).Err)
	}
	for name, data := range want {
		got, err := os.ReadFile(filepath.Join(downloads, name))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "%s differs", name)
	}
}

func TestSendMissingSourceFile(t *testing.T) {
	_, err := Send(context.Background(), filepath.Join(t.TempDir(), "missing.bin"), SendOptions{
		Address:  "127.0.0.1:1",
		Password: "correct123",
		Logger:   quietLogger(),
	})
	require.ErrorIs(t, err, ErrSourceFileRead)
	assert.Equal(t, "SourceFileReadError", ErrorKind(err))
}

func TestSendRejectsDirectory(t *testing.T) {
	_, err := Send(context.Background(), t.TempDir(), SendOptions{
		Address:  "127.0.0.1:1",
		Password: "correct123",
		Logger:   quietLogger(),
	})
	require.ErrorIs(t, err, ErrSourceFileRead)
}

func TestSendRefusesSourceBeyondStreamLimit(t *testing.T) {
	require.NoError(t, checkSourceSize("big.bin", crypto.MaxPayloadSize()))

	err := checkSourceSize("big.bin", crypto.MaxPayloadSize()+1)
	require.ErrorIs(t, err, ErrSourceFileRead)
	require.ErrorIs(t, err, crypto.ErrMessageTooLarge)
	assert.Equal(t, "SourceFileReadError", ErrorKind(err))
}

func TestServerRejectsConnectionsOverLimit(t *testing.T) {
	server := startTestServer(t, ReceiveOptions{
		Password:      "correct123",
		DownloadDir:   t.TempDir(),
		MaxConcurrent: 1,
	})

	first, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	second, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := bufio.NewReader(second).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "error Busy\n", line)

	require.NoError(t, first.Close())
	result := waitForResult(t, server)
	require.ErrorIs(t, result.Err, ErrTruncatedTransfer)
}

func TestReceiveConnStopsOnCancel(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	downloads := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ReceiveConn(ctx, serverSide, ReceiveOptions{
			Password:    "correct123",
			DownloadDir: downloads,
			KDF:         testKDF,
			Logger:      quietLogger(),
		})
		done <- err
	}()

	go func() {
		_, _ = clientSide.Write([]byte{0, 0})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTruncatedTransfer)
	case <-time.After(5 * time.Second):
		t.Fatalf("ReceiveConn did not return after cancel")
	}
}

func TestListenRequiresPassword(t *testing.T) {
	_, err := Listen("127.0.0.1:0", ReceiveOptions{Logger: quietLogger()})
	require.Error(t, err)
}
