package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waMmsRetry"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/jaliph/wa-relay/models"
	"github.com/jaliph/wa-relay/utils"
)

// DeviceProvider loads the device a new session logs in with
type DeviceProvider interface {
	Device(ctx context.Context) (*store.Device, error)
}

// MeowFactory creates whatsmeow-backed sessions
type MeowFactory struct {
	Devices DeviceProvider
	Log     waLog.Logger
}

func (f *MeowFactory) NewSession(ctx context.Context, sink EventSink) (Session, error) {
	device, err := f.Devices.Device(ctx)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(device, f.Log)
	// the supervisor owns reconnection
	client.EnableAutoReconnect = false

	sctx, cancel := context.WithCancel(ctx)
	s := &meowSession{
		ctx:     sctx,
		cancel:  cancel,
		client:  client,
		sink:    sink,
		retries: make(map[types.MessageID]chan *events.MediaRetry),
	}
	client.AddEventHandler(s.handleEvent)
	return s, nil
}

type meowSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	client *whatsmeow.Client
	sink   EventSink

	mu      sync.Mutex
	retries map[types.MessageID]chan *events.MediaRetry
}

// mediaHandle keeps what download and refresh need from the original message
type mediaHandle struct {
	msg  whatsmeow.DownloadableMessage
	info types.MessageInfo
}

func (s *meowSession) Connect(ctx context.Context) error {
	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(s.ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		go s.watchPairing(qrChan)
	}
	return s.client.Connect()
}

func (s *meowSession) Disconnect() {
	s.cancel()
	s.client.Disconnect()
}

func (s *meowSession) watchPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			s.sink.OnQR(item.Code)
		case "success":
			utils.Logger.Info("Device linked", "component", "session")
		case "timeout":
			s.sink.OnClose(CloseReason{Kind: ClosePairingTimeout})
		default:
			detail := item.Event
			if item.Error != nil {
				detail = item.Error.Error()
			}
			s.sink.OnClose(CloseReason{Kind: ClosePairingFailed, Detail: detail})
		}
	}
}

func (s *meowSession) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		s.sink.OnOpen()
	case *events.LoggedOut:
		s.sink.OnClose(CloseReason{Kind: CloseLoggedOut, Detail: v.Reason.String()})
	case *events.Disconnected:
		s.sink.OnClose(CloseReason{Kind: CloseConnectionLost})
	case *events.StreamReplaced:
		s.sink.OnClose(CloseReason{Kind: CloseReplaced})
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			s.sink.OnClose(CloseReason{Kind: CloseLoggedOut, Detail: v.Reason.String()})
		} else {
			s.sink.OnClose(CloseReason{Kind: CloseConnectFailed, Detail: v.Reason.String()})
		}
	case *events.TemporaryBan:
		s.sink.OnClose(CloseReason{Kind: CloseBanned, Detail: v.String()})
	case *events.ClientOutdated:
		s.sink.OnClose(CloseReason{Kind: CloseOutdated})
	case *events.Message:
		s.sink.OnMessages([]RawMessage{convertMessage(v)})
	case *events.MediaRetry:
		s.deliverMediaRetry(v)
	}
}

func convertMessage(evt *events.Message) RawMessage {
	// RawMessage keeps the envelopes that Message already had stripped
	src := evt.RawMessage
	if src == nil {
		src = evt.Message
	}
	return RawMessage{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.String(),
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
		Payload:   payloadFromProto(src, evt.Info),
	}
}

// fields that never carry user content on their own
var ignoredFields = map[string]bool{
	"messageContextInfo":           true,
	"senderKeyDistributionMessage": true,
	"protocolMessage":              true,
}

func payloadFromProto(m *waE2E.Message, info types.MessageInfo) *Payload {
	if m == nil {
		return nil
	}
	wrap := func(kind PayloadKind, tag string, inner *waE2E.FutureProofMessage) *Payload {
		return &Payload{Kind: kind, Tag: tag, Inner: payloadFromProto(inner.GetMessage(), info)}
	}
	media := func(kind PayloadKind, tag string, dm whatsmeow.DownloadableMessage, url, mime, name, caption string) *Payload {
		return &Payload{Kind: kind, Tag: tag, Media: &MediaPayload{
			URL:        url,
			DirectPath: dm.GetDirectPath(),
			MimeType:   mime,
			FileName:   name,
			Caption:    caption,
			Handle:     &mediaHandle{msg: dm, info: info},
		}}
	}

	switch {
	case m.GetEphemeralMessage() != nil:
		return wrap(PayloadEphemeral, "ephemeralMessage", m.GetEphemeralMessage())
	case m.GetViewOnceMessage() != nil:
		return wrap(PayloadViewOnce, "viewOnceMessage", m.GetViewOnceMessage())
	case m.GetViewOnceMessageV2() != nil:
		return wrap(PayloadViewOnceV2, "viewOnceMessageV2", m.GetViewOnceMessageV2())
	case m.GetViewOnceMessageV2Extension() != nil:
		return wrap(PayloadEnvelope, "viewOnceMessageV2Extension", m.GetViewOnceMessageV2Extension())
	case m.GetDocumentWithCaptionMessage() != nil:
		return wrap(PayloadEnvelope, "documentWithCaptionMessage", m.GetDocumentWithCaptionMessage())
	case m.Conversation != nil:
		return &Payload{Kind: PayloadText, Tag: "conversation", Text: m.GetConversation()}
	case m.GetExtendedTextMessage() != nil:
		return &Payload{Kind: PayloadExtendedText, Tag: "extendedTextMessage", Text: m.GetExtendedTextMessage().GetText()}
	case m.GetButtonsResponseMessage() != nil:
		br := m.GetButtonsResponseMessage()
		return &Payload{Kind: PayloadButtonReply, Tag: "buttonsResponseMessage",
			ButtonID: br.GetSelectedButtonID(), ButtonLabel: br.GetSelectedDisplayText()}
	case m.GetTemplateButtonReplyMessage() != nil:
		tr := m.GetTemplateButtonReplyMessage()
		return &Payload{Kind: PayloadButtonReply, Tag: "templateButtonReplyMessage",
			ButtonID: tr.GetSelectedID(), ButtonLabel: tr.GetSelectedDisplayText()}
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		return media(PayloadImage, "imageMessage", img, img.GetURL(), img.GetMimetype(), "", img.GetCaption())
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		return media(PayloadVideo, "videoMessage", vid, vid.GetURL(), vid.GetMimetype(), "", vid.GetCaption())
	case m.GetAudioMessage() != nil:
		aud := m.GetAudioMessage()
		return media(PayloadAudio, "audioMessage", aud, aud.GetURL(), aud.GetMimetype(), "", "")
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		return media(PayloadDocument, "documentMessage", doc, doc.GetURL(), doc.GetMimetype(), doc.GetFileName(), doc.GetCaption())
	}

	tag := ""
	m.ProtoReflect().Range(func(fd protoreflect.FieldDescriptor, _ protoreflect.Value) bool {
		if ignoredFields[fd.JSONName()] {
			return true
		}
		tag = fd.JSONName()
		return false
	})
	if tag == "" {
		return nil
	}
	return &Payload{Kind: PayloadOther, Tag: tag}
}

func (s *meowSession) Download(ctx context.Context, media *MediaPayload) ([]byte, error) {
	h, ok := media.Handle.(*mediaHandle)
	if !ok {
		return nil, fmt.Errorf("media was not produced by this session")
	}
	data, err := s.client.Download(ctx, h.msg)
	if err != nil {
		var httpErr whatsmeow.DownloadHTTPError
		if errors.As(err, &httpErr) && httpErr.Response != nil {
			statusErr := &HTTPStatusError{Status: httpErr.StatusCode}
			if httpErr.Request != nil {
				statusErr.URL = httpErr.Request.URL.String()
			}
			return nil, statusErr
		}
		return nil, err
	}
	return data, nil
}

// RefreshMedia sends a media retry receipt and waits for the sender's device
// to answer with a new direct path.
func (s *meowSession) RefreshMedia(ctx context.Context, media *MediaPayload) (*MediaPayload, error) {
	h, ok := media.Handle.(*mediaHandle)
	if !ok {
		return nil, ErrRefreshUnavailable
	}
	mediaKey := h.msg.GetMediaKey()

	ch := make(chan *events.MediaRetry, 1)
	s.mu.Lock()
	s.retries[h.info.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.retries, h.info.ID)
		s.mu.Unlock()
	}()

	if err := s.client.SendMediaRetryReceipt(&h.info, mediaKey); err != nil {
		return nil, fmt.Errorf("failed to send media retry receipt: %w", err)
	}

	select {
	case evt := <-ch:
		notif, err := whatsmeow.DecryptMediaRetryNotification(evt, mediaKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt media retry: %w", err)
		}
		if notif.GetResult() != waMmsRetry.MediaRetryNotification_SUCCESS {
			return nil, fmt.Errorf("media retry refused: %s", notif.GetResult())
		}
		refreshed, err := withDirectPath(h.msg, notif.GetDirectPath())
		if err != nil {
			return nil, err
		}
		out := *media
		out.URL = ""
		out.DirectPath = notif.GetDirectPath()
		out.Handle = &mediaHandle{msg: refreshed, info: h.info}
		return &out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *meowSession) deliverMediaRetry(evt *events.MediaRetry) {
	s.mu.Lock()
	ch, ok := s.retries[evt.MessageID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- evt:
	default:
	}
}

// withDirectPath copies msg pointing at a new direct path, with the stale URL dropped.
func withDirectPath(msg whatsmeow.DownloadableMessage, path string) (whatsmeow.DownloadableMessage, error) {
	switch m := msg.(type) {
	case *waE2E.ImageMessage:
		c := proto.Clone(m).(*waE2E.ImageMessage)
		c.DirectPath, c.URL = proto.String(path), nil
		return c, nil
	case *waE2E.VideoMessage:
		c := proto.Clone(m).(*waE2E.VideoMessage)
		c.DirectPath, c.URL = proto.String(path), nil
		return c, nil
	case *waE2E.AudioMessage:
		c := proto.Clone(m).(*waE2E.AudioMessage)
		c.DirectPath, c.URL = proto.String(path), nil
		return c, nil
	case *waE2E.DocumentMessage:
		c := proto.Clone(m).(*waE2E.DocumentMessage)
		c.DirectPath, c.URL = proto.String(path), nil
		return c, nil
	}
	return nil, fmt.Errorf("unsupported media type %T", msg)
}

func parseJID(to string) (types.JID, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return jid, nil
}

func (s *meowSession) send(ctx context.Context, to string, msg *waE2E.Message) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	if _, err := s.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (s *meowSession) SendText(ctx context.Context, to, text string) error {
	return s.send(ctx, to, &waE2E.Message{Conversation: proto.String(text)})
}

func (s *meowSession) SendImage(ctx context.Context, to string, data []byte, mimeType, caption string) error {
	up, err := s.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}
	return s.send(ctx, to, &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String(mimeType),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}})
}

func (s *meowSession) SendDocument(ctx context.Context, to string, data []byte, mimeType, fileName string) error {
	up, err := s.client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return fmt.Errorf("failed to upload document: %w", err)
	}
	return s.send(ctx, to, &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		FileName:      proto.String(fileName),
		Title:         proto.String(fileName),
		Mimetype:      proto.String(mimeType),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}})
}

func (s *meowSession) SendOptions(ctx context.Context, to, text string, options []models.Option) error {
	buttons := make([]*waE2E.ButtonsMessage_Button, 0, len(options))
	for _, opt := range options {
		buttons = append(buttons, &waE2E.ButtonsMessage_Button{
			ButtonID: proto.String(opt.ID),
			ButtonText: &waE2E.ButtonsMessage_Button_ButtonText{
				DisplayText: proto.String(opt.DisplayLabel()),
			},
			Type: waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
		})
	}
	return s.send(ctx, to, &waE2E.Message{ButtonsMessage: &waE2E.ButtonsMessage{
		ContentText: proto.String(text),
		HeaderType:  waE2E.ButtonsMessage_EMPTY.Enum(),
		Buttons:     buttons,
	}})
}
