package archive

// User is first-write-wins: later observations never update the row.
type User struct {
	ID            int64  `gorm:"primaryKey;autoIncrement:false"`
	Username      string `gorm:"not null"`
	DisplayName   string `gorm:"not null"`
	Discriminator string `gorm:"not null"`
}

type Channel struct {
	ID   int64  `gorm:"primaryKey;autoIncrement:false"`
	Name string `gorm:"column:channel_name;not null"`
}

// Message is append-only. AuthorUsername is a snapshot taken at capture
// time and is not kept in sync with users.username.
type Message struct {
	ID             int64   `gorm:"primaryKey;autoIncrement:false"`
	Timestamp      int64   `gorm:"not null;index:idx_messages_channel_ts,priority:2;index:idx_messages_author_ts,priority:2"`
	AuthorID       int64   `gorm:"not null;index:idx_messages_author_ts,priority:1"`
	AuthorUsername string  `gorm:"not null"`
	ChannelID      int64   `gorm:"not null;index:idx_messages_channel_ts,priority:1"`
	Content        *string `gorm:"type:text"`
	CleanContent   *string `gorm:"type:text"`

	Author  User    `gorm:"foreignKey:AuthorID"`
	Channel Channel `gorm:"foreignKey:ChannelID"`
}

// Mention is one row per user mentioned in a message.
type Mention struct {
	FromUserID int64 `gorm:"primaryKey;autoIncrement:false"`
	ToUserID   int64 `gorm:"primaryKey;autoIncrement:false"`
	MessageID  int64 `gorm:"primaryKey;autoIncrement:false;index"`
}
