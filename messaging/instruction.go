package messaging

import (
	"encoding/binary"
	"fmt"

	"imchain/crypto"
	"imchain/ledger"
)

// InstructionKind tags the six operation variants on the wire.
type InstructionKind byte

const (
	KindCreateUser InstructionKind = iota
	KindCreateConversation
	KindCreateUserConversation
	KindCreateMessageAccount
	KindCreateConversationEncryptionInfo
	KindSendMessage
)

func (k InstructionKind) String() string {
	switch k {
	case KindCreateUser:
		return "create_user"
	case KindCreateConversation:
		return "create_conversation"
	case KindCreateUserConversation:
		return "create_user_conversation"
	case KindCreateMessageAccount:
		return "create_message_account"
	case KindCreateConversationEncryptionInfo:
		return "create_conversation_encryption_info"
	case KindSendMessage:
		return "send_message"
	}
	return "unknown"
}

// Instruction is the decoded form of the program's wire payload: a tag byte
// followed by the variant's fields, fixed-width integers little-endian and
// byte strings u32-length-prefixed.
type Instruction struct {
	Kind InstructionKind

	// ConversationIndex is set for CreateUserConversation and
	// CreateMessageAccount.
	ConversationIndex uint32
	// MessageType and Content are set for CreateMessageAccount and
	// SendMessage.
	MessageType byte
	Content     []byte
	// Data is set for CreateConversationEncryptionInfo.
	Data []byte
}

// Encode serializes the instruction payload.
func (ix *Instruction) Encode() []byte {
	buf := []byte{byte(ix.Kind)}
	switch ix.Kind {
	case KindCreateUser, KindCreateConversation:
	case KindCreateUserConversation:
		buf = binary.LittleEndian.AppendUint32(buf, ix.ConversationIndex)
	case KindCreateMessageAccount:
		buf = binary.LittleEndian.AppendUint32(buf, ix.ConversationIndex)
		buf = append(buf, ix.MessageType)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ix.Content)))
		buf = append(buf, ix.Content...)
	case KindCreateConversationEncryptionInfo:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ix.Data)))
		buf = append(buf, ix.Data...)
	case KindSendMessage:
		buf = append(buf, ix.MessageType)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ix.Content)))
		buf = append(buf, ix.Content...)
	}
	return buf
}

// DecodeInstruction parses a wire payload. Unknown tags, short buffers, and
// trailing bytes are all errors.
func DecodeInstruction(data []byte) (*Instruction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty instruction payload")
	}
	ix := &Instruction{Kind: InstructionKind(data[0])}
	rest := data[1:]
	var err error
	switch ix.Kind {
	case KindCreateUser, KindCreateConversation:
	case KindCreateUserConversation:
		ix.ConversationIndex, rest, err = readUint32(rest)
		if err != nil {
			return nil, err
		}
	case KindCreateMessageAccount:
		if ix.ConversationIndex, rest, err = readUint32(rest); err != nil {
			return nil, err
		}
		if ix.MessageType, rest, err = readByte(rest); err != nil {
			return nil, err
		}
		if ix.Content, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
	case KindCreateConversationEncryptionInfo:
		if ix.Data, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
	case KindSendMessage:
		if ix.MessageType, rest, err = readByte(rest); err != nil {
			return nil, err
		}
		if ix.Content, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown instruction tag %d", data[0])
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("instruction payload has %d trailing bytes", len(rest))
	}
	return ix, nil
}

func readByte(data []byte) (byte, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("instruction payload truncated")
	}
	return data[0], data[1:], nil
}

func readUint32(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("instruction payload truncated")
	}
	return binary.LittleEndian.Uint32(data), data[4:], nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	n, rest, err := readUint32(data)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < int(n) {
		return nil, nil, fmt.Errorf("instruction payload truncated")
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return out, rest[n:], nil
}

// --- Instruction builders ---
//
// Each builder derives the operation's target addresses and places the
// accounts in exactly the order the processor consumes them, with the
// signer/writable flags the runtime must enforce.

// NewCreateUserInstruction builds the CreateUser operation for wallet.
func NewCreateUserInstruction(programID, funder, wallet crypto.Address) (*ledger.Instruction, error) {
	userAddr, _, err := DeriveUserAddress(wallet, programID)
	if err != nil {
		return nil, err
	}
	return &ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.NewAccountMeta(funder, true),
			ledger.NewAccountMeta(userAddr, false),
			ledger.NewAccountMeta(wallet, false),
			ledger.NewReadonlyAccountMeta(ledger.RentSysvarAddress, false),
			ledger.NewReadonlyAccountMeta(ledger.SystemProgramAddress, false),
		},
		Data: (&Instruction{Kind: KindCreateUser}).Encode(),
	}, nil
}

// NewCreateConversationInstruction builds the CreateConversation operation
// between two user records, supplying each participant's user-conversation
// slot at their current sequence index.
func NewCreateConversationInstruction(programID, funder, senderUser, receiverUser crypto.Address, senderIndex, receiverIndex uint32) (*ledger.Instruction, error) {
	conversationAddr, _, err := DeriveConversationAddress(senderUser, receiverUser, programID)
	if err != nil {
		return nil, err
	}
	senderUserConv, _, err := DeriveUserConversationAddress(senderUser, senderIndex, programID)
	if err != nil {
		return nil, err
	}
	receiverUserConv, _, err := DeriveUserConversationAddress(receiverUser, receiverIndex, programID)
	if err != nil {
		return nil, err
	}
	return &ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.NewAccountMeta(funder, true),
			ledger.NewAccountMeta(conversationAddr, false),
			ledger.NewAccountMeta(senderUser, false),
			ledger.NewAccountMeta(receiverUser, false),
			ledger.NewAccountMeta(senderUserConv, false),
			ledger.NewAccountMeta(receiverUserConv, false),
			ledger.NewReadonlyAccountMeta(ledger.RentSysvarAddress, false),
			ledger.NewReadonlyAccountMeta(ledger.SystemProgramAddress, false),
		},
		Data: (&Instruction{Kind: KindCreateConversation}).Encode(),
	}, nil
}

// NewCreateUserConversationInstruction builds the CreateUserConversation
// operation for one slot of a user's conversation sequence.
func NewCreateUserConversationInstruction(programID, funder, user crypto.Address, conversationIndex uint32) (*ledger.Instruction, error) {
	userConvAddr, _, err := DeriveUserConversationAddress(user, conversationIndex, programID)
	if err != nil {
		return nil, err
	}
	return &ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.NewAccountMeta(funder, true),
			ledger.NewAccountMeta(userConvAddr, false),
			ledger.NewAccountMeta(user, false),
			ledger.NewReadonlyAccountMeta(ledger.RentSysvarAddress, false),
			ledger.NewReadonlyAccountMeta(ledger.SystemProgramAddress, false),
		},
		Data: (&Instruction{Kind: KindCreateUserConversation, ConversationIndex: conversationIndex}).Encode(),
	}, nil
}

// NewCreateMessageAccountInstruction builds the CreateMessageAccount
// operation. The sender proves conversation membership via their
// user-conversation record at conversationIndex; messageIndex must equal the
// conversation's current message counter.
func NewCreateMessageAccountInstruction(programID, funder, senderWallet, conversation crypto.Address, conversationIndex, messageIndex uint32, messageType byte, content []byte) (*ledger.Instruction, error) {
	senderUser, _, err := DeriveUserAddress(senderWallet, programID)
	if err != nil {
		return nil, err
	}
	senderUserConv, _, err := DeriveUserConversationAddress(senderUser, conversationIndex, programID)
	if err != nil {
		return nil, err
	}
	messageAddr, _, err := DeriveMessageAddress(conversation, messageIndex, programID)
	if err != nil {
		return nil, err
	}
	return &ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.NewAccountMeta(funder, true),
			ledger.NewAccountMeta(senderWallet, true),
			ledger.NewAccountMeta(senderUser, false),
			ledger.NewAccountMeta(senderUserConv, false),
			ledger.NewAccountMeta(conversation, false),
			ledger.NewAccountMeta(messageAddr, false),
			ledger.NewReadonlyAccountMeta(ledger.RentSysvarAddress, false),
			ledger.NewReadonlyAccountMeta(ledger.ClockSysvarAddress, false),
			ledger.NewReadonlyAccountMeta(ledger.SystemProgramAddress, false),
		},
		Data: (&Instruction{
			Kind:              KindCreateMessageAccount,
			ConversationIndex: conversationIndex,
			MessageType:       messageType,
			Content:           content,
		}).Encode(),
	}, nil
}

// NewCreateConversationEncryptionInfoInstruction builds the
// CreateConversationEncryptionInfo operation for the conversation between the
// two wallets' user records.
func NewCreateConversationEncryptionInfoInstruction(programID, funder, senderWallet, receiverWallet crypto.Address, data []byte) (*ledger.Instruction, error) {
	senderUser, _, err := DeriveUserAddress(senderWallet, programID)
	if err != nil {
		return nil, err
	}
	receiverUser, _, err := DeriveUserAddress(receiverWallet, programID)
	if err != nil {
		return nil, err
	}
	conversationAddr, _, err := DeriveConversationAddress(senderUser, receiverUser, programID)
	if err != nil {
		return nil, err
	}
	infoAddr, _, err := DeriveConversationEncryptionInfoAddress(conversationAddr, programID)
	if err != nil {
		return nil, err
	}
	return &ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.NewAccountMeta(funder, true),
			ledger.NewAccountMeta(senderWallet, true),
			ledger.NewAccountMeta(infoAddr, false),
			ledger.NewAccountMeta(senderUser, false),
			ledger.NewAccountMeta(receiverUser, false),
			ledger.NewAccountMeta(conversationAddr, false),
			ledger.NewReadonlyAccountMeta(ledger.RentSysvarAddress, false),
			ledger.NewReadonlyAccountMeta(ledger.ClockSysvarAddress, false),
			ledger.NewReadonlyAccountMeta(ledger.SystemProgramAddress, false),
		},
		Data: (&Instruction{Kind: KindCreateConversationEncryptionInfo, Data: data}).Encode(),
	}, nil
}

// NewSendMessageInstruction builds the SendMessage operation, which derives
// the conversation from the sender and receiver user records instead of a
// stored link. messageIndex must equal the conversation's current counter.
func NewSendMessageInstruction(programID, funder, senderWallet, receiverWallet crypto.Address, messageIndex uint32, messageType byte, content []byte) (*ledger.Instruction, error) {
	senderUser, _, err := DeriveUserAddress(senderWallet, programID)
	if err != nil {
		return nil, err
	}
	receiverUser, _, err := DeriveUserAddress(receiverWallet, programID)
	if err != nil {
		return nil, err
	}
	conversationAddr, _, err := DeriveConversationAddress(senderUser, receiverUser, programID)
	if err != nil {
		return nil, err
	}
	messageAddr, _, err := DeriveMessageAddress(conversationAddr, messageIndex, programID)
	if err != nil {
		return nil, err
	}
	return &ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.NewAccountMeta(funder, true),
			ledger.NewAccountMeta(senderWallet, true),
			ledger.NewAccountMeta(senderUser, false),
			ledger.NewAccountMeta(receiverUser, false),
			ledger.NewAccountMeta(conversationAddr, false),
			ledger.NewAccountMeta(messageAddr, false),
			ledger.NewReadonlyAccountMeta(ledger.RentSysvarAddress, false),
			ledger.NewReadonlyAccountMeta(ledger.ClockSysvarAddress, false),
			ledger.NewReadonlyAccountMeta(ledger.SystemProgramAddress, false),
		},
		Data: (&Instruction{Kind: KindSendMessage, MessageType: messageType, Content: content}).Encode(),
	}, nil
}
