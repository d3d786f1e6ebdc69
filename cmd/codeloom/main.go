package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"codeloom/internal/server"
	"codeloom/internal/version"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		addr := fs.String("addr", ":8890", "listen address")
		root := fs.String("root", ".", "workspace root")
		cfgPath := fs.String("config", "", "path to codeloom.jsonc (default <root>/codeloom.jsonc)")
		_ = fs.Parse(os.Args[2:])
		if err := server.Run(*addr, *root, *cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version.String())
	case "chat":
		chatCmd(os.Args[2:])
	case "apply":
		applyCmd(os.Args[2:])
	case "preview":
		previewCmd(os.Args[2:])
	case "snapshot":
		snapshotCmd(os.Args[2:])
	case "fs":
		fsCmd(os.Args[2:])
	case "conversations":
		conversationsCmd(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("codeloom - AI-assisted code-editing workbench")
	fmt.Println("usage:")
	fmt.Println("  codeloom serve [--addr :8890] [--root .] [--config codeloom.jsonc]")
	fmt.Println("  codeloom version")
	fmt.Println("  codeloom chat [--conv <id>] \"<instruction>\"")
	fmt.Println("  codeloom apply [--file <envelope.xml>]   (reads stdin when no file)")
	fmt.Println("  codeloom preview [--file <envelope.xml>]")
	fmt.Println("  codeloom snapshot [list|create|restore] [--label <l>] [--force]")
	fmt.Println("  codeloom fs [tree|read|write] [--path <p>] [--content ...]")
	fmt.Println("  codeloom conversations [list|new|show|delete] [--id <id>] [--title <t>]")
}

func serverURL() string {
	if v := os.Getenv("CODELOOM_SERVER_URL"); v != "" {
		return v
	}
	return "http://localhost:8890"
}

func postJSON(path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL()+path, strings.NewReader(string(b)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := os.Getenv("CODELOOM_API_TOKEN"); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func getJSON(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, serverURL()+path, nil)
	if err != nil {
		return nil, err
	}
	if tok := os.Getenv("CODELOOM_API_TOKEN"); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	conv := fs.String("conv", "", "conversation ID")
	_ = fs.Parse(args)
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Println("usage: codeloom chat [--conv <id>] \"<instruction>\"")
		os.Exit(1)
	}
	q := strings.Join(rest, " ")
	resp, err := postJSON("/chat", map[string]any{"conversationID": *conv, "message": q})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(os.Stderr, resp.Body)
		os.Exit(1)
	}
	// consume the SSE event stream, printing tokens as they arrive
	rd := bufio.NewScanner(resp.Body)
	rd.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	event := ""
	for rd.Scan() {
		line := rd.Text()
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimPrefix(line, "data:")
		data = strings.TrimPrefix(data, " ")
		switch event {
		case "token":
			var s string
			if err := json.Unmarshal([]byte(`"`+data+`"`), &s); err == nil {
				fmt.Print(s)
			}
		case "usage":
			fmt.Fprintf(os.Stderr, "\n[usage] %s\n", data)
		case "error":
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", data)
			os.Exit(1)
		case "done":
			fmt.Println()
			return
		}
	}
	fmt.Println()
}

func readEnvelopeArg(args []string, name string) (string, []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	file := fs.String("file", "", "envelope file (stdin when omitted)")
	_ = fs.Parse(args)
	var text []byte
	var err error
	if *file != "" {
		text, err = os.ReadFile(*file)
	} else {
		text, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return string(text), fs.Args()
}

func applyCmd(args []string) {
	text, _ := readEnvelopeArg(args, "apply")
	resp, err := postJSON("/apply", map[string]any{"text": text})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
}

func previewCmd(args []string) {
	text, _ := readEnvelopeArg(args, "preview")
	resp, err := postJSON("/edits/preview", map[string]any{"text": text})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	var res struct {
		Previews []struct {
			Path string `json:"path"`
			Diff string `json:"diff"`
			Err  string `json:"error"`
		} `json:"previews"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, p := range res.Previews {
		if p.Err != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", p.Path, p.Err)
		}
		if p.Diff != "" {
			fmt.Print(p.Diff)
		}
	}
}

func snapshotCmd(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: codeloom snapshot [list|create|restore] [--label <l>] [--force]")
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		resp, err := getJSON("/snapshots")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)
	case "create":
		fs := flag.NewFlagSet("snapshot create", flag.ExitOnError)
		label := fs.String("label", "", "snapshot label")
		force := fs.Bool("force", false, "record even when identical to the latest snapshot")
		_ = fs.Parse(args[1:])
		resp, err := postJSON("/snapshots/create", map[string]any{"label": *label, "force": *force})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)
	case "restore":
		fs := flag.NewFlagSet("snapshot restore", flag.ExitOnError)
		label := fs.String("label", "", "snapshot label")
		_ = fs.Parse(args[1:])
		if *label == "" {
			fmt.Println("--label required")
			os.Exit(1)
		}
		resp, err := postJSON("/snapshots/restore", map[string]any{"label": *label})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)
	default:
		fmt.Println("usage: codeloom snapshot [list|create|restore]")
		os.Exit(1)
	}
}

func fsCmd(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: codeloom fs [tree|read|write] [--path <p>] [--content ...]")
		os.Exit(1)
	}
	switch args[0] {
	case "tree":
		resp, err := getJSON("/fs/tree")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)
	case "read":
		fs := flag.NewFlagSet("fs read", flag.ExitOnError)
		path := fs.String("path", "", "workspace-relative path")
		_ = fs.Parse(args[1:])
		if *path == "" {
			fmt.Println("--path required")
			os.Exit(1)
		}
		resp, err := postJSON("/fs/read", map[string]any{"path": *path})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		var res struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Print(res.Content)
	case "write":
		fs := flag.NewFlagSet("fs write", flag.ExitOnError)
		path := fs.String("path", "", "workspace-relative path")
		content := fs.String("content", "", "file content (stdin when omitted)")
		_ = fs.Parse(args[1:])
		if *path == "" {
			fmt.Println("--path required")
			os.Exit(1)
		}
		text := *content
		if text == "" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			text = string(b)
		}
		resp, err := postJSON("/fs/write", map[string]any{"path": *path, "content": text})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)
	default:
		fmt.Println("usage: codeloom fs [tree|read|write]")
		os.Exit(1)
	}
}

func conversationsCmd(args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		resp, err := getJSON("/conversations")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)
	case "new":
		fs := flag.NewFlagSet("conversations new", flag.ExitOnError)
		title := fs.String("title", "", "conversation title")
		_ = fs.Parse(args[1:])
		resp, err := postJSON("/conversations", map[string]any{"title": *title})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)
	case "show":
		fs := flag.NewFlagSet("conversations show", flag.ExitOnError)
		id := fs.String("id", "", "conversation ID")
		_ = fs.Parse(args[1:])
		if *id == "" {
			fmt.Println("--id required")
			os.Exit(1)
		}
		resp, err := getJSON("/conversations/" + *id)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)
	case "delete":
		fs := flag.NewFlagSet("conversations delete", flag.ExitOnError)
		id := fs.String("id", "", "conversation ID")
		_ = fs.Parse(args[1:])
		if *id == "" {
			fmt.Println("--id required")
			os.Exit(1)
		}
		req, _ := http.NewRequest(http.MethodDelete, serverURL()+"/conversations/"+*id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		io.Copy(os.Stdout, resp.Body)
	default:
		fmt.Println("usage: codeloom conversations [list|new|show|delete]")
		os.Exit(1)
	}
}
