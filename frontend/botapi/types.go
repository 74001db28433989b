package botapi

// Update represents an incoming update from the Telegram Bot API.
type Update struct {
	UpdateID    int64      `json:"update_id"`
	Message     *TGMessage `json:"message,omitempty"`
	ChannelPost *TGMessage `json:"channel_post,omitempty"`
}

// TGMessage represents a Telegram message on the wire.
type TGMessage struct {
	MessageID     int64       `json:"message_id"`
	Chat          TGChat      `json:"chat"`
	Date          int64       `json:"date"`
	Text          string      `json:"text,omitempty"`
	Caption       string      `json:"caption,omitempty"`
	MediaGroupID  string      `json:"media_group_id,omitempty"`
	ForwardOrigin *struct{}   `json:"forward_origin,omitempty"`
	Entities      []TGEntity  `json:"entities,omitempty"`
	CaptionEnt    []TGEntity  `json:"caption_entities,omitempty"`
	ReplyTo       *TGMessage  `json:"reply_to_message,omitempty"`
	Photo         []PhotoSize `json:"photo,omitempty"`
	Video         *TGFileRef  `json:"video,omitempty"`
	Document      *TGFileRef  `json:"document,omitempty"`
	Audio         *TGFileRef  `json:"audio,omitempty"`
	Animation     *TGFileRef  `json:"animation,omitempty"`
	Sticker       *TGFileRef  `json:"sticker,omitempty"`
	Voice         *TGFileRef  `json:"voice,omitempty"`
	VideoNote     *TGFileRef  `json:"video_note,omitempty"`
}

// TGChat represents a Telegram chat.
type TGChat struct {
	ID                  int64  `json:"id"`
	Title               string `json:"title,omitempty"`
	Username            string `json:"username,omitempty"`
	HasProtectedContent bool   `json:"has_protected_content,omitempty"`
}

// TGEntity is a formatting entity attached to text or a caption.
type TGEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// TGFileRef is the common shape of every media attachment.
type TGFileRef struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// PhotoSize represents one size of a photo.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

// TGFile represents a file ready to be downloaded from Telegram servers.
type TGFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}
