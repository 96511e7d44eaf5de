package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mgalvao/wch/internal/config"
	"github.com/mgalvao/wch/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	addrFlag := flag.String("addr", "", "daemon address (overrides config listen_addr)")
	jsonFlag := flag.Bool("json", false, "output raw JSON")
	flag.Parse()

	_ = godotenv.Load()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &ctl{
		addr:   resolveAddr(*addrFlag),
		client: &http.Client{Timeout: 30 * time.Second},
		json:   *jsonFlag,
	}

	switch args[0] {
	case "status":
		c.get("/v1/status")
	case "pair":
		c.pair()
	case "chats":
		c.get("/v1/conversations")
	case "select":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wchctl select <chat-id>")
			os.Exit(1)
		}
		c.post("/v1/chats/"+args[1]+"/select", nil)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wchctl messages <chat-id>")
			os.Exit(1)
		}
		c.get("/v1/chats/" + args[1] + "/messages")
	case "send":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: wchctl send <chat-id> <recipient> <text...>")
			os.Exit(1)
		}
		c.post("/v1/chats/"+args[1]+"/messages", map[string]any{
			"recipient_wallet": args[2],
			"content":          strings.Join(args[3:], " "),
		})
	case "logout":
		c.post("/v1/logout", nil)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func resolveAddr(override string) string {
	if override != "" {
		return override
	}
	cfg, err := config.Load(session.ConfigPath())
	if err != nil || cfg.ListenAddr == "" {
		return config.DefaultListenAddr
	}
	return cfg.ListenAddr
}

type ctl struct {
	addr   string
	client *http.Client
	json   bool
}

func (c *ctl) get(path string) {
	resp, err := c.client.Get("http://" + c.addr + path)
	c.render(resp, err)
}

func (c *ctl) post(path string, body any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
	resp, err := c.client.Post("http://"+c.addr+path, "application/json", &buf)
	c.render(resp, err)
}

// pair shows the QR code and message, then waits for the wallet side.
func (c *ctl) pair() {
	resp, err := c.client.Post("http://"+c.addr+"/v1/pair", "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", c.addr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out struct {
		URI     string `json:"uri"`
		Message string `json:"message"`
		QR      string `json:"qr"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(out.QR)
	fmt.Println("Scan with your wallet app, or sign this message:")
	fmt.Println()
	fmt.Println(out.Message)
	fmt.Println()
	fmt.Printf("Then complete with: POST http://%s/v1/pair/complete\n", c.addr)
}

func (c *ctl) render(resp *http.Response, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", c.addr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if c.json {
		fmt.Println(string(data))
	} else {
		var pretty bytes.Buffer
		if json.Indent(&pretty, data, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(data))
		}
	}

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wchctl [--session <name>] [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show daemon status")
	fmt.Fprintln(os.Stderr, "  pair                           Start wallet pairing")
	fmt.Fprintln(os.Stderr, "  chats                          List conversations")
	fmt.Fprintln(os.Stderr, "  select <chat-id>               Select a chat")
	fmt.Fprintln(os.Stderr, "  messages <chat-id>             Show the selected chat's messages")
	fmt.Fprintln(os.Stderr, "  send <chat-id> <to> <text...>  Send a message")
	fmt.Fprintln(os.Stderr, "  logout                         Disconnect the wallet")
}
