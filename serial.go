package tzm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// SerialHost feeds the bytes arriving on a Linux serial port into a Device
// session and, if configured, answers every newline with the current report.
// Close may be called from any goroutine to stop Serve.
type SerialHost struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	config    SerialConfig
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
	dev       *Device

	pipeMu     sync.Mutex // serializes pipe writes with closing the pipe
	pipeClosed bool
}

// OpenSerial opens the port named by cfg.Device in raw, unbuffered mode and
// binds it to dev. No session is opened until Serve is called.
func OpenSerial(dev *Device, cfg SerialConfig) (*SerialHost, error) {
	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baudToUnix(cfg.BaudRate)

	// VMIN=1, VTIME=0: a read returns as soon as one byte is available.
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	// Back to blocking mode now that config is done
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &SerialHost{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		done:   make(chan struct{}),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
		dev:    dev,
	}, nil
}

// Serve opens a session on the device and forwards everything read from the
// port into it until Close is called, ctx is done, or the port fails. The
// session is closed before Serve returns. If the device already has an open
// session Serve fails with ErrBusy without touching the port.
//
// When SerialConfig.ReadTimeout is positive and no data arrives for that
// long, Serve returns an error wrapping os.ErrDeadlineExceeded.
func (s *SerialHost) Serve(ctx context.Context) (err error) {
	sess, err := s.dev.Open(ctx)
	if err != nil {
		return err
	}
	log := s.dev.log.With("port", s.config.Device)
	log.Info("serving serial port")
	defer func() {
		if cerr := sess.Close(context.Background()); cerr != nil {
			log.Error("close session", "err", cerr)
		}
		log.Info("stopped serving serial port", "err", err)
	}()

	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	timeout := -1
	if s.config.ReadTimeout > 0 {
		timeout = int(s.config.ReadTimeout.Milliseconds())
	}

	buf := make([]byte, 4096)
	rep := make([]byte, ReportCapacity)
	for {
		pfd := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		select {
		case <-s.done:
			return nil
		default:
		}
		if n == 0 {
			return fmt.Errorf("no data for %s: %w", s.config.ReadTimeout, os.ErrDeadlineExceeded)
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			// Drain pipe
			var b [1]byte
			unix.Read(s.pipeR, b[:])
			return ctx.Err()
		}
		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		m, err := s.file.Read(buf)
		if err != nil {
			return fmt.Errorf("read %s: %w", s.config.Device, err)
		}
		chunk := buf[:m]
		if _, err := sess.Write(ctx, chunk); err != nil {
			return err
		}
		if !s.config.Reply || bytes.IndexByte(chunk, Newline) < 0 {
			continue
		}
		k, err := sess.Read(ctx, rep)
		if errors.Is(err, io.EOF) {
			continue
		}
		if err != nil {
			return err
		}
		if _, err := s.file.Write(rep[:k]); err != nil {
			return fmt.Errorf("write %s: %w", s.config.Device, err)
		}
	}
}

// wake interrupts a blocked poll in Serve.
func (s *SerialHost) wake() {
	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()
	if !s.pipeClosed {
		unix.Write(s.pipeW, []byte{1})
	}
}

// Close closes the serial port and unblocks Serve.
// Safe to call multiple times; subsequent calls are no-ops.
func (s *SerialHost) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Wake up poll using self-pipe
		s.wake()
		if s.file != nil {
			err = s.file.Close()
		}
		s.pipeMu.Lock()
		s.pipeClosed = true
		unix.Close(s.pipeR)
		unix.Close(s.pipeW)
		s.pipeMu.Unlock()
	})
	return err
}

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

func baudToUnix(baud int) uint32 {
	if b, ok := baudRates[baud]; ok {
		return b
	}
	return unix.B115200 // fallback
}
