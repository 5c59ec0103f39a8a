package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/jessevdk/go-flags"

	"simple-stm/pkg/parsers"
	"simple-stm/pkg/protos"
)

var opts struct {
	Host string `value-name:"host" short:"H" long:"host" default:"localhost" description:"simple-stm server host"`
	Port string `value-name:"port" short:"p" long:"port" default:"8081" description:"simple-stm server port"`
}

func main() {
	_, err := flags.Parse(&opts)
	if err != nil {
		if flags.WroteHelp(err) {
			return
		} else {
			os.Exit(1)
		}
	}

	if err := Interact(opts.Host, opts.Port); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func Interact(hostname string, port string) error {
	addr := net.JoinHostPort(hostname, port)
	dial, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer dial.Close()

	l, err := readline.NewEx(&readline.Config{
		Prompt:            fmt.Sprintf("[%s] > ", addr),
		HistoryFile:       "/tmp/simple-stm.history",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	parser := parsers.NewParser()
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") {
			return nil
		}

		req, err := parser.Parse(line)
		if err != nil {
			fmt.Println(err)
			continue
		}

		if err := req.Send(dial); err != nil {
			return fmt.Errorf("fail to send command: req=%v, err=%w", req, err)
		}
		resp, err := protos.ParseCommand(dial)
		if err != nil {
			return fmt.Errorf("fail to parse response: req=%v, err=%w", req, err)
		}
		printResponse(resp)
	}
}

func printResponse(resp *protos.Command) {
	switch resp.Type {
	case protos.None:
		fmt.Println("OK")
	case protos.Error:
		fmt.Printf("(error) %s\n", strings.Join(resp.Payload, " "))
	case protos.String:
		if len(resp.Payload) == 1 {
			fmt.Printf("%q\n", resp.Payload[0])
			return
		}
		fallthrough
	default:
		if len(resp.Payload) == 0 {
			fmt.Println("(empty)")
		}
		for i, v := range resp.Payload {
			fmt.Printf("%d) %q\n", i+1, v)
		}
	}
}
