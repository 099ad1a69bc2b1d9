package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/dgram/internal/aio"
	"github.com/postalsys/dgram/internal/config"
	"github.com/postalsys/dgram/internal/message"
	"github.com/postalsys/dgram/internal/udp"
)

// sizeFlag adapts config.Size to pflag.Value.
type sizeFlag struct {
	v *config.Size
}

func (f *sizeFlag) String() string {
	if f.v == nil {
		return "0 B"
	}
	return f.v.String()
}

func (f *sizeFlag) Set(s string) error {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return err
	}
	*f.v = config.Size(n)
	return nil
}

func (f *sizeFlag) Type() string {
	return "size"
}

func dialCmd(flags *globalFlags) *cobra.Command {
	var (
		count       int
		size        config.Size
		interval    time.Duration
		expectReply bool
		timeout     time.Duration
		localAddr   string
	)
	size = 64

	cmd := &cobra.Command{
		Use:   "dial <url>",
		Short: "Send test datagrams to a listener",
		Example: `  dgram dial udp://127.0.0.1:5555 --count 10 --size 1KiB
  dgram dial udp://127.0.0.1:5555 --expect-reply --timeout 500ms`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}

			logger := flags.logger()
			sock := udp.NewOptions(nil)
			if err := sock.SetRecvTimeout(timeout); err != nil {
				return err
			}

			set := newEndpointSet(logger, sock)
			defer set.close()

			d, err := set.addDialer(config.EndpointConfig{URL: args[0], LocalAddr: localAddr})
			if err != nil {
				return err
			}
			if err := set.start(); err != nil {
				return err
			}

			p := d.Pipe()
			payload := make([]byte, int(size))
			rand.Read(payload)

			out := cmd.OutOrStdout()
			var sent, replies, lost int
			start := time.Now()

			for i := 0; i < count; i++ {
				if i > 0 && interval > 0 {
					time.Sleep(interval)
				}

				op := d.NewOp(nil)
				op.SetMsg(message.New(payload))
				if err := p.Send(op); err != nil {
					return err
				}
				op.Wait()
				if err := op.Result(); err != nil {
					return fmt.Errorf("send %d: %w", i+1, err)
				}
				sent++

				if !expectReply {
					continue
				}

				rop := d.NewOp(nil)
				rtt := time.Now()
				if err := p.Recv(rop); err != nil {
					return err
				}
				rop.Wait()
				switch err := rop.Result(); {
				case err == nil:
					m := rop.TakeMsg()
					replies++
					fmt.Fprintf(out, "reply %d: %s from %s in %v\n",
						i+1, humanize.IBytes(uint64(m.Len())), rop.Addr(), time.Since(rtt).Round(time.Microsecond))
					m.Free()
				case errors.Is(err, aio.ErrTimedOut):
					lost++
					fmt.Fprintf(out, "reply %d: timed out after %v\n", i+1, timeout)
				default:
					return fmt.Errorf("receive %d: %w", i+1, err)
				}
			}

			fmt.Fprintf(out, "Sent %d datagrams (%s) to %s in %v\n",
				sent, humanize.IBytes(uint64(sent)*uint64(size)), d.URL(), time.Since(start).Round(time.Millisecond))
			if expectReply {
				fmt.Fprintf(out, "Replies: %d, lost: %d\n", replies, lost)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of datagrams to send")
	cmd.Flags().Var(&sizeFlag{&size}, "size", "Payload size of each datagram (e.g. 95, 1KiB)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Delay between datagrams")
	cmd.Flags().BoolVar(&expectReply, "expect-reply", false, "Wait for a reply after each datagram")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "Receive timeout when waiting for replies")
	cmd.Flags().StringVar(&localAddr, "local-addr", "", "Local address to bind before connecting (e.g. udp://127.0.0.1:0)")

	return cmd
}
