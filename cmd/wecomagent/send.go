package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wecomagent/internal/config"
	"wecomagent/internal/dispatch"
	"wecomagent/internal/queue"
	"wecomagent/pkg/wecom"
)

type sendOptions struct {
	users, parties, tags []string
	all                  bool
	agentID              int64

	msgType     string
	content     string
	title       string
	description string
	url         string
	button      string
	mediaID     string
	picURL      string
	articles    string // JSON array of articles for news
	requestFile string // raw request JSON; "-" reads stdin

	safe        bool
	idTrans     bool
	dupCheck    bool
	dupInterval time.Duration

	enqueue bool
}

func sendCmd() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send [content]",
		Short: "Send a message",
		Long: `Send an application message to users, departments or tags.

Examples:
  wecomagent send --to alice,bob "deploy finished"
  wecomagent send --all --type markdown --content "**outage** resolved"
  wecomagent send --party 2 --type textcard --title Build --description ok --url https://ci.example.com/42
  wecomagent send --request message.json --enqueue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if opts.content != "" {
					return fmt.Errorf("content given both as argument and --content")
				}
				opts.content = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req, err := buildRequest(opts, os.Stdin)
			if err != nil {
				return err
			}
			if opts.enqueue {
				return enqueue(cmd.Context(), cfg, req)
			}
			return sendNow(cmd.Context(), cfg, req)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.users, "to", nil, "user IDs (comma separated)")
	f.StringSliceVar(&opts.parties, "party", nil, "department IDs (comma separated)")
	f.StringSliceVar(&opts.tags, "tag", nil, "tag IDs (comma separated)")
	f.BoolVar(&opts.all, "all", false, "send to every member visible to the application")
	f.Int64Var(&opts.agentID, "agent", 0, "application agent ID (default wecom.agentId)")
	f.StringVarP(&opts.msgType, "type", "t", wecom.TypeText, "message type: "+strings.Join(wecom.SupportedTypes(), ", "))
	f.StringVar(&opts.content, "content", "", "text or markdown content; - reads stdin")
	f.StringVar(&opts.title, "title", "", "title for textcard, video or a single news article")
	f.StringVar(&opts.description, "description", "", "description for textcard, video or news")
	f.StringVar(&opts.url, "url", "", "link for textcard or news")
	f.StringVar(&opts.button, "button", "", "textcard button text")
	f.StringVar(&opts.mediaID, "media-id", "", "media ID for image, voice, video or file")
	f.StringVar(&opts.picURL, "pic-url", "", "picture URL for a single news article")
	f.StringVar(&opts.articles, "articles", "", "news articles as a JSON array")
	f.StringVar(&opts.requestFile, "request", "", "send a raw request JSON file (- for stdin); other message flags are ignored")
	f.BoolVar(&opts.safe, "safe", false, "mark the message confidential")
	f.BoolVar(&opts.idTrans, "id-trans", false, "enable ID translation")
	f.BoolVar(&opts.dupCheck, "dup-check", false, "enable duplicate message check")
	f.DurationVar(&opts.dupInterval, "dup-interval", 0, "duplicate check window (default 30m, max 4h)")
	f.BoolVar(&opts.enqueue, "enqueue", false, "publish to the configured queue instead of sending directly")
	return cmd
}

// buildRequest turns the flags into a request. stdin backs the "-" values.
func buildRequest(opts sendOptions, stdin io.Reader) (dispatch.Request, error) {
	if opts.requestFile != "" {
		var (
			data []byte
			err  error
		)
		if opts.requestFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(config.ExpandPath(opts.requestFile))
		}
		if err != nil {
			return dispatch.Request{}, fmt.Errorf("read request: %w", err)
		}
		return dispatch.DecodeRequest(data)
	}

	if opts.content == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return dispatch.Request{}, fmt.Errorf("read stdin: %w", err)
		}
		opts.content = strings.TrimRight(string(data), "\n")
	}

	payload, err := buildPayload(opts)
	if err != nil {
		return dispatch.Request{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return dispatch.Request{}, fmt.Errorf("encode payload: %w", err)
	}

	req := dispatch.Request{
		ToUser:               opts.users,
		ToParty:              opts.parties,
		ToTag:                opts.tags,
		AgentID:              opts.agentID,
		MsgType:              payload.MsgType(),
		Safe:                 opts.safe,
		EnableIDTrans:        opts.idTrans,
		EnableDuplicateCheck: opts.dupCheck,
		Payload:              raw,
	}
	if opts.all {
		req.ToUser = dispatch.IDList{"@all"}
	}
	if opts.dupCheck && opts.dupInterval > 0 {
		req.DuplicateCheckInterval = int(opts.dupInterval / time.Second)
	}
	return req, nil
}

func buildPayload(opts sendOptions) (wecom.Payload, error) {
	switch opts.msgType {
	case wecom.TypeText:
		return wecom.Text{Content: opts.content}, nil
	case wecom.TypeMarkdown:
		return wecom.Markdown{Content: opts.content}, nil
	case wecom.TypeTextCard:
		return wecom.TextCard{Title: opts.title, Description: opts.description, URL: opts.url, ButtonText: opts.button}, nil
	case wecom.TypeImage:
		return wecom.Image{MediaID: opts.mediaID}, nil
	case wecom.TypeVoice:
		return wecom.Voice{MediaID: opts.mediaID}, nil
	case wecom.TypeFile:
		return wecom.File{MediaID: opts.mediaID}, nil
	case wecom.TypeVideo:
		return wecom.Video{MediaID: opts.mediaID, Title: opts.title, Description: opts.description}, nil
	case wecom.TypeNews:
		if opts.articles != "" {
			var articles []wecom.Article
			if err := json.Unmarshal([]byte(opts.articles), &articles); err != nil {
				return nil, fmt.Errorf("--articles: %w", err)
			}
			return wecom.News{Articles: articles}, nil
		}
		return wecom.News{Articles: []wecom.Article{{
			Title:       opts.title,
			Description: opts.description,
			URL:         opts.url,
			PicURL:      opts.picURL,
		}}}, nil
	default:
		return nil, fmt.Errorf("unsupported message type %q (want one of %s)", opts.msgType, strings.Join(wecom.SupportedTypes(), ", "))
	}
}

func sendNow(ctx context.Context, cfg *config.Config, req dispatch.Request) error {
	ctx, cancel := context.WithTimeout(ctx, 2*cfg.WeCom.Timeout()+5*time.Second)
	defer cancel()

	client, release, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()
	store, err := openHistory(cfg)
	if err != nil {
		// A broken history DB should not block an interactive send.
		logger.Warn("history unavailable", "err", err)
	}
	dcfg := dispatch.Config{Sender: client, DefaultAgentID: cfg.WeCom.AgentID, Logger: logger}
	if store != nil {
		defer store.Close()
		dcfg.Recorder = store
	}

	res, err := dispatch.New(dcfg).Dispatch(ctx, req, "cli")
	var vendorErr *wecom.VendorError
	if errors.As(err, &vendorErr) {
		fmt.Printf("Rejected: errcode=%d errmsg=%s\n", vendorErr.Code, vendorErr.Message)
		printInvalid(vendorErr.Response)
		return err
	}
	if err != nil {
		return err
	}

	fmt.Printf("Sent msgid=%s\n", res.Response.MsgID)
	printInvalid(res.Response)
	return nil
}

func printInvalid(resp *wecom.SendResponse) {
	if resp == nil {
		return
	}
	for _, row := range []struct {
		label string
		ids   []string
	}{
		{"users", resp.InvalidUsers()},
		{"parties", resp.InvalidParties()},
		{"tags", resp.InvalidTags()},
		{"unlicensed users", resp.UnlicensedUsers()},
	} {
		if len(row.ids) > 0 {
			fmt.Printf("Invalid %s: %s\n", row.label, strings.Join(row.ids, ", "))
		}
	}
}

func enqueue(ctx context.Context, cfg *config.Config, req dispatch.Request) error {
	if cfg.Queue.URL == "" {
		return fmt.Errorf("queue.url is not configured")
	}
	// Catch bad requests here rather than as poison messages on the consumer.
	if _, err := req.Message(cfg.WeCom.AgentID); err != nil {
		return err
	}

	pub, err := queue.NewPublisher(cfg.Queue.URL, cfg.Queue.Exchange, cfg.Queue.RoutingKey, cfg.Queue.Queue)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer pub.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	id, err := pub.Publish(ctx, req)
	if err != nil {
		return err
	}
	logger.Info("request enqueued", "id", id, "queue", cfg.Queue.Queue, "exchange", cfg.Queue.Exchange)
	fmt.Printf("Enqueued id=%s\n", id)
	return nil
}
