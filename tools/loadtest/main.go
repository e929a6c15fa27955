package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/game-gateway/internal/protocol"
)

var (
	host        = flag.String("host", "localhost", "Target host")
	port        = flag.Int("port", 8080, "Target port")
	connections = flag.Int("connections", 100, "Number of concurrent connections")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	rate        = flag.Float64("rate", 10.0, "Messages per second per connection")
	messageType = flag.Int("message-type", 101, "Frame message type to send (101-200 = player class)")
	messageSize = flag.Int("message-size", 64, "Frame body size in bytes")
	timeout     = flag.Duration("timeout", 5*time.Second, "Connection timeout")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalConnections int64
	SuccessfulConns  int64
	FailedConns      int64
	TotalMessages    int64
	SuccessfulMsgs   int64
	FailedMsgs       int64
	TotalBytes       int64
	MinLatency       time.Duration
	MaxLatency       time.Duration
	TotalLatency     time.Duration
	LatencyCount     int64
	ConnErrors       int64
	ReadErrors       int64
	WriteErrors      int64
}

var stats Stats

func main() {
	flag.Parse()

	fmt.Printf("=== Game Gateway Load Test ===\n")
	fmt.Printf("Target: %s:%d\n", *host, *port)
	fmt.Printf("Connections: %d\n", *connections)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f msg/s per connection\n", *rate)
	fmt.Printf("Message type: %d\n", *messageType)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, *connections)

	startTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			goto done
		default:
			select {
			case semaphore <- struct{}{}:
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-semaphore }()
					runConnection(ctx)
				}()
			default:
				time.Sleep(10 * time.Millisecond)
			}
		}
	}

done:
	wg.Wait()
	elapsed := time.Since(startTime)

	<-statsDone
	printFinalReport(elapsed)
}

func runConnection(ctx context.Context) {
	atomic.AddInt64(&stats.TotalConnections, 1)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", *host, *port), *timeout)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		atomic.AddInt64(&stats.ConnErrors, 1)
		if *verbose {
			fmt.Printf("connection failed: %v\n", err)
		}
		return
	}
	defer conn.Close()

	atomic.AddInt64(&stats.SuccessfulConns, 1)

	// Authenticate first so the gateway's auth gate admits player-class frames.
	if err := authenticate(conn); err != nil && *verbose {
		fmt.Printf("auth failed: %v\n", err)
	}

	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if err := sendMessage(conn, seq); err != nil {
				if *verbose {
					fmt.Printf("send message failed: %v\n", err)
				}
				return
			}
		}
	}
}

func authenticate(conn net.Conn) error {
	body := fmt.Sprintf(`{"user":"loadtest-%d","token":"loadtest"}`, time.Now().UnixNano())
	f := protocol.Frame{
		MessageType: protocol.AuthMessageType,
		TimestampMs: time.Now().UnixMilli(),
		Body:        []byte(body),
	}
	if err := protocol.Encode(conn, f, protocol.DefaultCompressThreshold); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(*timeout))
	_, err := readOneFrame(conn)
	return err
}

func sendMessage(conn net.Conn, seq int64) error {
	start := time.Now()

	body := make([]byte, *messageSize)
	f := protocol.Frame{
		MessageType: int32(*messageType),
		Sequence:    seq,
		TimestampMs: start.UnixMilli(),
		Body:        body,
	}

	if err := protocol.Encode(conn, f, protocol.DefaultCompressThreshold); err != nil {
		atomic.AddInt64(&stats.WriteErrors, 1)
		atomic.AddInt64(&stats.FailedMsgs, 1)
		return err
	}

	atomic.AddInt64(&stats.TotalMessages, 1)
	atomic.AddInt64(&stats.TotalBytes, int64(protocol.HeaderSize+len(body)))

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	n, err := readOneFrame(conn)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// no reply within the sampling window is acceptable
		} else if err != io.EOF {
			atomic.AddInt64(&stats.ReadErrors, 1)
		}
	} else {
		atomic.AddInt64(&stats.TotalBytes, int64(n))
	}

	latency := time.Since(start)
	atomic.AddInt64(&stats.SuccessfulMsgs, 1)
	atomic.AddInt64(&stats.LatencyCount, 1)
	recordLatency(latency)

	return nil
}

// readOneFrame reads until protocol.Decode has a complete frame or the read
// deadline trips, and returns the number of bytes read.
func readOneFrame(conn net.Conn) (int, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			frames, _, decErr := protocol.Decode(buf, protocol.DefaultCompressThreshold)
			if decErr == nil && len(frames) > 0 {
				return len(buf), nil
			}
		}
		if err != nil {
			return len(buf), err
		}
	}
}

func recordLatency(latency time.Duration) {
	for {
		oldMin := atomic.LoadInt64((*int64)(&stats.MinLatency))
		if oldMin == 0 || latency < time.Duration(oldMin) {
			if atomic.CompareAndSwapInt64((*int64)(&stats.MinLatency), oldMin, int64(latency)) {
				break
			}
		} else {
			break
		}
	}

	for {
		oldMax := atomic.LoadInt64((*int64)(&stats.MaxLatency))
		if latency > time.Duration(oldMax) {
			if atomic.CompareAndSwapInt64((*int64)(&stats.MaxLatency), oldMax, int64(latency)) {
				break
			}
		} else {
			break
		}
	}

	atomic.AddInt64((*int64)(&stats.TotalLatency), int64(latency))
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	successMsgs := atomic.LoadInt64(&stats.SuccessfulMsgs)
	failedMsgs := atomic.LoadInt64(&stats.FailedMsgs)
	totalBytes := atomic.LoadInt64(&stats.TotalBytes)

	fmt.Printf("\r[Stats] Conns: %d/%d (failed: %d) | Msgs: %d (failed: %d) | Bytes: %d",
		successConns, totalConns, failedConns, successMsgs, failedMsgs, totalBytes)
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	successMsgs := atomic.LoadInt64(&stats.SuccessfulMsgs)
	failedMsgs := atomic.LoadInt64(&stats.FailedMsgs)
	totalBytes := atomic.LoadInt64(&stats.TotalBytes)
	latencyCount := atomic.LoadInt64(&stats.LatencyCount)
	totalMsgs := atomic.LoadInt64(&stats.TotalMessages)

	fmt.Printf("\n--- Connections ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	fmt.Printf("Successful: %d (%.2f%%)\n", successConns, float64(successConns)/float64(totalConns)*100)
	fmt.Printf("Failed: %d (%.2f%%)\n", failedConns, float64(failedConns)/float64(totalConns)*100)

	fmt.Printf("\n--- Messages ---\n")
	fmt.Printf("Total: %d\n", totalMsgs)
	fmt.Printf("Successful: %d (%.2f%%)\n", successMsgs, float64(successMsgs)/float64(totalMsgs)*100)
	fmt.Printf("Failed: %d (%.2f%%)\n", failedMsgs, float64(failedMsgs)/float64(totalMsgs)*100)
	fmt.Printf("Throughput: %.2f msg/s\n", float64(successMsgs)/elapsed.Seconds())

	fmt.Printf("\n--- Latency ---\n")
	if latencyCount > 0 {
		minLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.MinLatency)))
		maxLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.MaxLatency)))
		avgLatency := time.Duration(atomic.LoadInt64((*int64)(&stats.TotalLatency)) / latencyCount)

		fmt.Printf("Min: %v\n", minLatency)
		fmt.Printf("Max: %v\n", maxLatency)
		fmt.Printf("Avg: %v\n", avgLatency)
	}

	fmt.Printf("\n--- Throughput ---\n")
	fmt.Printf("Total Bytes: %d (%.2f MB)\n", totalBytes, float64(totalBytes)/1024/1024)
	fmt.Printf("Throughput: %.2f MB/s\n", float64(totalBytes)/1024/1024/elapsed.Seconds())

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Connection Errors: %d\n", atomic.LoadInt64(&stats.ConnErrors))
	fmt.Printf("Read Errors: %d\n", atomic.LoadInt64(&stats.ReadErrors))
	fmt.Printf("Write Errors: %d\n", atomic.LoadInt64(&stats.WriteErrors))

	if failedConns > totalConns/10 || failedMsgs > totalMsgs/10 {
		fmt.Printf("\ntest failed: too many errors\n")
		os.Exit(1)
	} else {
		fmt.Printf("\ntest completed successfully\n")
		os.Exit(0)
	}
}
