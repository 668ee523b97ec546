// Package tzm provides a single-session, Linux-only device endpoint that
// measures the time between newlines in a byte stream.
//
// A Device counts every byte written to it and, for each newline, the number
// of clock ticks since the previous newline. After each write it renders a
// one-line status report:
//
//	Time=<ticks between the last two newlines> Chars=<bytes received>
//
// Reading the device returns that report.
//
// Features:
//   - Exclusive open: only one Session at a time, others get ErrBusy
//   - One interruptible lock around all state, driven by context.Context
//   - Monotonic tick source (CLOCK_MONOTONIC) with a configurable rate
//   - Peek or consume read policy
//   - Serial port host with raw termios and a self-pipe for killability
//   - Websocket host in the wshost subpackage
//
// This package does **not** support Windows.
//
// Example usage:
//
//	dev := tzm.New(tzm.WithClock(tzm.NewMonotonicClock(1000)))
//	sess, err := dev.Open(ctx)
//	if err != nil {
//	    log.Fatal(err) // tzm.ErrBusy if someone else holds the device
//	}
//	defer sess.Close(context.Background())
//
//	sess.Write(ctx, []byte("first line\n"))
//	sess.Write(ctx, []byte("second line\n"))
//
//	buf := make([]byte, tzm.ReportCapacity)
//	n, err := sess.Read(ctx, buf)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Print(string(buf[:n])) // Time=<ms between the newlines> Chars=23
//
// To bridge a serial port instead:
//
//	host, err := tzm.OpenSerial(dev, tzm.SerialConfig{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	    Reply:    true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go host.Serve(ctx)
//
//	// ... to stop serving, call host.Close() from another goroutine
package tzm
