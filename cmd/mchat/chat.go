package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/config"
	"github.com/zulandar/marketchat/internal/roomlist"
	"github.com/zulandar/marketchat/internal/session"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	var (
		configPath string
		sellerID   string
		listingID  string
	)

	cmd := &cobra.Command{
		Use:   "chat [room-id]",
		Short: "Open a chat room",
		Long: `Opens a chat room and streams its messages. Lines typed on stdin are sent.

Without a room id the last opened room is used. With --seller and --listing a
room with that seller about that listing is created (or reused) first.

Commands: /older loads older history, /quit leaves the room.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nav := ""
			if len(args) == 1 {
				nav = args[0]
			}
			return runChat(cmd, configPath, nav, sellerID, listingID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to marketchat config file")
	cmd.Flags().StringVar(&sellerID, "seller", "", "seller user id to start a chat with")
	cmd.Flags().StringVar(&listingID, "listing", "", "listing id the chat is about")
	return cmd
}

func runChat(cmd *cobra.Command, configPath, nav, sellerID, listingID string) error {
	if (sellerID == "") != (listingID == "") {
		return fmt.Errorf("--seller and --listing must be given together")
	}

	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	viewer, err := a.viewer()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var created string
	if sellerID != "" {
		room, err := a.api.CreateRoom(ctx, chat.ID(sellerID), chat.ID(listingID))
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		created = string(room.ID)
	}

	roomID, err := session.ResolveRoomID(nav, created, a.kv)
	if err != nil {
		return err
	}

	rooms := roomlist.New()
	if list, err := a.api.Rooms(ctx); err != nil {
		log.Printf("mchat: list rooms: %v", err)
	} else {
		rooms.Set(list)
	}

	mgr, err := a.newManager()
	if err != nil {
		return err
	}
	defer mgr.Disconnect()

	out := cmd.OutOrStdout()
	p := newPrinter(out)
	ctrl, err := session.New(session.ControllerOpts{
		RoomID:   roomID,
		Viewer:   viewer,
		Conn:     mgr,
		History:  a.api,
		Ledger:   a.ledger,
		Rooms:    rooms,
		Listener: p.render,
		PageSize: a.cfg.History.PageSize,
		Sort:     a.cfg.History.Sort,
		Location: chat.Location,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	fmt.Fprintf(out, "Room %s\n", roomID)
	if err := ctrl.Open(ctx); err != nil {
		// The session keeps retrying in the background.
		fmt.Fprintf(out, "warning: %v\n", err)
	}

	in := cmd.InOrStdin()
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return chatLoop(cmd, ctrl, in, interactive)
}

// chatLoop reads input lines until /quit or EOF.
func chatLoop(cmd *cobra.Command, ctrl *session.Controller, in io.Reader, interactive bool) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/quit":
			return nil
		case "/older":
			if !ctrl.LoadOlder(cmd.Context()) {
				fmt.Fprintln(out, "(no older messages)")
			}
		default:
			if !ctrl.Send(line) {
				fmt.Fprintln(out, "(not sent: not connected)")
			}
		}
	}
}

// printer writes each message once and reports when an outgoing message
// becomes read.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]bool
	peer string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]bool)}
}

func (p *printer) render(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.PeerNickname != "" && s.PeerNickname != p.peer {
		p.peer = s.PeerNickname
		fmt.Fprintf(p.out, "Chatting with %s\n", p.peer)
	}
	for _, m := range s.Messages {
		read, ok := p.seen[m.ID]
		switch {
		case !ok:
			fmt.Fprintln(p.out, p.line(m))
		case !read && m.Read && m.Direction == chat.Outgoing:
			fmt.Fprintf(p.out, "  read: %s\n", chat.Preview(m.Body, 30))
		}
		p.seen[m.ID] = m.Read
	}
}

func (p *printer) line(m chat.Message) string {
	who := p.peer
	if who == "" {
		who = string(m.Sender)
	}
	mark := ""
	if m.Direction == chat.Outgoing {
		who = "you"
		if m.Read {
			mark = " (read)"
		}
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.In(chat.Location).Format("01-02 15:04"), who, m.Body, mark)
}
