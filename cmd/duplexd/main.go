// Command duplexd is a thin JSON-over-stdio wrapper around the duplex
// channel: pair with a peer by QR code, remember it, then relay control
// and data frames between the coordinator and whatever local process
// drives this daemon over stdin/stdout. The IPC transport, input
// injection and automation orchestration this daemon would ultimately
// serve are out of scope here, same as the core they sit on top of.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/nyx-systems/duplex/internal/pairing"
	"github.com/nyx-systems/duplex/pkg/coordinator"
	"github.com/nyx-systems/duplex/pkg/peerstore"
	"github.com/nyx-systems/duplex/pkg/streamcipher"
	"github.com/nyx-systems/duplex/pkg/suite"
)

// Command types understood on stdin.
const (
	cmdPair        = "pair"
	cmdEncryptData = "encrypt_data"
	cmdDecryptData = "decrypt_data"
	cmdEncryptCtrl = "encrypt_control"
	cmdDecryptCtrl = "decrypt_control"
	cmdShutdown    = "shutdown"
)

// Event types emitted on stdout.
const (
	evtReady      = "ready"
	evtPaired     = "paired"
	evtKeyRotated = "key_rotated"
	evtResponse   = "response"
	evtError      = "error"
)

// command is one line of stdin input.
type command struct {
	Cmd    string          `json:"cmd"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// event is one line of stdout output.
type event struct {
	Evt  string `json:"evt"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data"`
}

type pairParams struct {
	PeerPublicBase64 string `json:"peer_public_base64"`
	IsInitiator      bool   `json:"is_initiator"`
}

type dataParams struct {
	Base64 string `json:"base64"`
}

type daemon struct {
	outMu sync.Mutex
	out   *json.Encoder

	coord *coordinator.Coordinator
	store *peerstore.Store
}

func (d *daemon) emit(evt, id string, data any) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	if err := d.out.Encode(event{Evt: evt, ID: id, Data: data}); err != nil {
		slog.Error("failed to emit event", slog.Any("error", err))
	}
}

func (d *daemon) emitError(id string, err error) {
	d.emit(evtError, id, map[string]string{"error": err.Error()})
}

func (d *daemon) handlePair(id string, raw json.RawMessage) {
	var p pairParams
	if err := json.Unmarshal(raw, &p); err != nil {
		d.emitError(id, fmt.Errorf("invalid pair params: %w", err))
		return
	}

	peerPublic, err := base64.StdEncoding.DecodeString(p.PeerPublicBase64)
	if err != nil {
		d.emitError(id, fmt.Errorf("decoding peer public key: %w", err))
		return
	}

	hs, err := pairing.New()
	if err != nil {
		d.emitError(id, err)
		return
	}
	os.Stderr.Write(hs.QRCode())

	secret, err := hs.Complete(peerPublic)
	if err != nil {
		d.emitError(id, err)
		return
	}

	verify := func(pub []byte) error {
		slog.Info("new peer pairing", slog.String("public_key", base64.StdEncoding.EncodeToString(pub)))
		return nil
	}
	if _, err := d.store.FindOrPrompt(peerPublic, "cli-peer", streamcipher.DefaultConfig(), verify); err != nil {
		d.emitError(id, err)
		return
	}

	if p.IsInitiator {
		err = d.coord.InitInitiator(secret, peerPublic)
	} else {
		// The responder supplies its own long-term key pair; the
		// pairing handshake's ephemeral key doubles as it here since
		// no separate identity layer exists in this scope.
		kp, genErr := suite.Default().DH.Generate()
		if genErr != nil {
			d.emitError(id, genErr)
			return
		}
		err = d.coord.InitResponder(secret, kp)
	}
	if err != nil {
		d.emitError(id, err)
		return
	}

	d.emit(evtPaired, id, map[string]string{"public_key": base64.StdEncoding.EncodeToString(d.coord.PublicKey())})
}

func (d *daemon) handleData(id, cmd string, raw json.RawMessage) {
	var p dataParams
	if err := json.Unmarshal(raw, &p); err != nil {
		d.emitError(id, fmt.Errorf("invalid params: %w", err))
		return
	}
	payload, err := base64.StdEncoding.DecodeString(p.Base64)
	if err != nil {
		d.emitError(id, fmt.Errorf("decoding payload: %w", err))
		return
	}

	var out []byte
	switch cmd {
	case cmdEncryptData:
		out, err = d.coord.EncryptData(payload)
	case cmdDecryptData:
		out, err = d.coord.DecryptData(payload)
	case cmdEncryptCtrl:
		out, err = d.coord.EncryptControl(payload)
	case cmdDecryptCtrl:
		out, err = d.coord.DecryptControl(payload)
	default:
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		d.emitError(id, err)
		return
	}
	d.emit(evtResponse, id, map[string]string{"base64": base64.StdEncoding.EncodeToString(out)})
}

func (d *daemon) run() {
	d.coord.OnDataChannelRotate(func(generation uint64) {
		d.emit(evtKeyRotated, "", map[string]uint64{"generation": generation})
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		d.coord.Close()
		os.Exit(0)
	}()

	d.emit(evtReady, "", map[string]int{"pid": os.Getpid()})

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c command
		if err := json.Unmarshal(line, &c); err != nil {
			d.emitError("", fmt.Errorf("invalid command: %w", err))
			continue
		}
		switch c.Cmd {
		case cmdPair:
			d.handlePair(c.ID, c.Params)
		case cmdEncryptData, cmdDecryptData, cmdEncryptCtrl, cmdDecryptCtrl:
			d.handleData(c.ID, c.Cmd, c.Params)
		case cmdShutdown:
			d.coord.Close()
			return
		default:
			d.emitError(c.ID, fmt.Errorf("unknown command: %s", c.Cmd))
		}
	}
}

func readPassphrase() ([]byte, error) {
	if env := os.Getenv("DUPLEX_STORE_PASSPHRASE"); env != "" {
		return []byte(env), nil
	}
	fmt.Fprint(os.Stderr, "peer store passphrase: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(pass) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return pass, nil
}

func main() {
	passphrase, err := readPassphrase()
	if err != nil {
		slog.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := peerstore.Open(passphrase)
	if err != nil {
		slog.Error("opening peer store failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	d := &daemon{
		out:   json.NewEncoder(os.Stdout),
		coord: coordinator.New(suite.Default(), streamcipher.DefaultConfig()),
		store: store,
	}
	d.run()
}
