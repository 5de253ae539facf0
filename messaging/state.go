package messaging

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"imchain/crypto"
)

// Seed namespace tokens. Each record type derives its address under its own
// token, which keeps the derivation spaces of the five record types disjoint.
const (
	userSeed                   = "user"
	conversationSeed           = "conversation"
	userConversationSeed       = "user-conversation"
	messageSeed                = "message"
	conversationEncryptionSeed = "conversation-encryption"
)

// Message content types.
const (
	MessageTypePlainText    byte = 0
	MessageTypeRSAEncrypted byte = 1
	MessageTypeArweave      byte = 2
)

// All records serialize to a fixed little-endian layout: fixed-width integers
// in declaration order, variable byte strings prefixed with their u32 length.
// Deserialization is strict: short buffers and trailing bytes are errors, so
// a non-empty but malformed account never decodes to a default value.

// User tracks how many conversations a wallet participates in. One user
// record exists per wallet at an address derived from the wallet key.
type User struct {
	ConversationCounter uint32
}

// UserSize is the serialized byte length of a User record.
const UserSize = 4

func (u *User) MarshalBinary() ([]byte, error) {
	buf := make([]byte, UserSize)
	binary.LittleEndian.PutUint32(buf, u.ConversationCounter)
	return buf, nil
}

func (u *User) UnmarshalBinary(data []byte) error {
	if len(data) != UserSize {
		return fmt.Errorf("user record must be %d bytes, got %d", UserSize, len(data))
	}
	u.ConversationCounter = binary.LittleEndian.Uint32(data)
	return nil
}

// DeriveUserAddress maps a wallet address to its unique user record slot.
func DeriveUserAddress(wallet, programID crypto.Address) (crypto.Address, uint8, error) {
	return crypto.FindProgramAddress([][]byte{
		wallet.Bytes(),
		[]byte(userSeed),
	}, programID)
}

// Conversation tracks how many messages a conversation holds. Its address is
// order-independent in the two participant user addresses.
type Conversation struct {
	MessageCounter uint32
}

// ConversationSize is the serialized byte length of a Conversation record.
const ConversationSize = 4

func (c *Conversation) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ConversationSize)
	binary.LittleEndian.PutUint32(buf, c.MessageCounter)
	return buf, nil
}

func (c *Conversation) UnmarshalBinary(data []byte) error {
	if len(data) != ConversationSize {
		return fmt.Errorf("conversation record must be %d bytes, got %d", ConversationSize, len(data))
	}
	c.MessageCounter = binary.LittleEndian.Uint32(data)
	return nil
}

// sortAddressesAsc returns the two addresses in ascending byte order. It is
// the single canonicalization path shared by the derivation and the
// processor's signer-seed construction.
func sortAddressesAsc(a, b crypto.Address) (crypto.Address, crypto.Address) {
	for i := 0; i < crypto.AddressSize; i++ {
		if a[i] < b[i] {
			return a, b
		}
		if a[i] > b[i] {
			return b, a
		}
	}
	return a, b
}

// DeriveConversationAddress maps a pair of user record addresses to the
// conversation slot shared between them. The pair is canonicalized to
// ascending byte order first, so both call orders land on the same address.
func DeriveConversationAddress(firstUser, secondUser, programID crypto.Address) (crypto.Address, uint8, error) {
	one, two := sortAddressesAsc(firstUser, secondUser)
	return crypto.FindProgramAddress([][]byte{
		one.Bytes(),
		two.Bytes(),
		[]byte(conversationSeed),
	}, programID)
}

// UserConversation links one slot of a user's private conversation sequence
// to a conversation record.
type UserConversation struct {
	ConversationAddress crypto.Address
}

// UserConversationSize is the serialized byte length of a UserConversation
// record.
const UserConversationSize = crypto.AddressSize

func (uc *UserConversation) MarshalBinary() ([]byte, error) {
	return uc.ConversationAddress.Bytes(), nil
}

func (uc *UserConversation) UnmarshalBinary(data []byte) error {
	if len(data) != UserConversationSize {
		return fmt.Errorf("user-conversation record must be %d bytes, got %d", UserConversationSize, len(data))
	}
	copy(uc.ConversationAddress[:], data)
	return nil
}

// indexedSeed prepends the decimal index to the seed token, forming a single
// seed component ("7user-conversation").
func indexedSeed(index uint32, seed string) []byte {
	return []byte(strconv.FormatUint(uint64(index), 10) + seed)
}

// DeriveUserConversationAddress maps (user record, sequence index) to the
// user-conversation slot for that index.
func DeriveUserConversationAddress(user crypto.Address, conversationIndex uint32, programID crypto.Address) (crypto.Address, uint8, error) {
	return crypto.FindProgramAddress([][]byte{
		user.Bytes(),
		indexedSeed(conversationIndex, userConversationSeed),
	}, programID)
}

// Message is one append-only entry in a conversation.
type Message struct {
	// Sender is the wallet that signed the message.
	Sender crypto.Address
	// MessageType declares how Content is to be interpreted.
	MessageType byte
	// Content is the opaque message payload; the program never inspects it.
	Content []byte
	// Timestamp is the ledger clock at creation time.
	Timestamp int64
}

// NewMessage returns a zero-filled message template with room for
// contentSize payload bytes.
func NewMessage(contentSize int) *Message {
	return &Message{Content: make([]byte, contentSize)}
}

// MessageSize computes the serialized byte length of a message carrying
// contentSize payload bytes by serializing a zero-filled template.
func MessageSize(contentSize int) int {
	encoded, err := NewMessage(contentSize).MarshalBinary()
	if err != nil {
		panic(err)
	}
	return len(encoded)
}

func (m *Message) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, crypto.AddressSize+1+4+len(m.Content)+8)
	buf = append(buf, m.Sender[:]...)
	buf = append(buf, m.MessageType)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Content)))
	buf = append(buf, m.Content...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Timestamp))
	return buf, nil
}

func (m *Message) UnmarshalBinary(data []byte) error {
	const fixed = crypto.AddressSize + 1 + 4 + 8
	if len(data) < fixed {
		return fmt.Errorf("message record too short: %d bytes", len(data))
	}
	copy(m.Sender[:], data[:crypto.AddressSize])
	offset := crypto.AddressSize
	m.MessageType = data[offset]
	offset++
	contentLen := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if len(data) != fixed+contentLen {
		return fmt.Errorf("message record length %d does not match content length %d", len(data), contentLen)
	}
	m.Content = make([]byte, contentLen)
	copy(m.Content, data[offset:offset+contentLen])
	offset += contentLen
	m.Timestamp = int64(binary.LittleEndian.Uint64(data[offset:]))
	return nil
}

// DeriveMessageAddress maps (conversation record, message index) to the slot
// holding that message.
func DeriveMessageAddress(conversation crypto.Address, messageIndex uint32, programID crypto.Address) (crypto.Address, uint8, error) {
	return crypto.FindProgramAddress([][]byte{
		conversation.Bytes(),
		indexedSeed(messageIndex, messageSeed),
	}, programID)
}

// ConversationEncryptionInfo stores opaque encryption metadata for a
// conversation. At most one exists per conversation.
type ConversationEncryptionInfo struct {
	Data []byte
}

// NewConversationEncryptionInfo returns a zero-filled template with room for
// dataSize bytes.
func NewConversationEncryptionInfo(dataSize int) *ConversationEncryptionInfo {
	return &ConversationEncryptionInfo{Data: make([]byte, dataSize)}
}

// ConversationEncryptionInfoSize computes the serialized byte length for a
// record carrying dataSize bytes.
func ConversationEncryptionInfoSize(dataSize int) int {
	encoded, err := NewConversationEncryptionInfo(dataSize).MarshalBinary()
	if err != nil {
		panic(err)
	}
	return len(encoded)
}

func (ci *ConversationEncryptionInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 4+len(ci.Data))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ci.Data)))
	buf = append(buf, ci.Data...)
	return buf, nil
}

func (ci *ConversationEncryptionInfo) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("encryption-info record too short: %d bytes", len(data))
	}
	dataLen := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+dataLen {
		return fmt.Errorf("encryption-info record length %d does not match data length %d", len(data), dataLen)
	}
	ci.Data = make([]byte, dataLen)
	copy(ci.Data, data[4:])
	return nil
}

// DeriveConversationEncryptionInfoAddress maps a conversation record to its
// unique encryption-info slot.
func DeriveConversationEncryptionInfoAddress(conversation, programID crypto.Address) (crypto.Address, uint8, error) {
	return crypto.FindProgramAddress([][]byte{
		conversation.Bytes(),
		[]byte(conversationEncryptionSeed),
	}, programID)
}
