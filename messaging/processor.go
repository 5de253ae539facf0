package messaging

import (
	"errors"
	"fmt"
	"log/slog"

	"imchain/crypto"
	"imchain/ledger"
	"imchain/observability/metrics"
)

// Process is the program entry point. It decodes the instruction payload,
// dispatches to the operation handler, and reports the outcome. Every handler
// re-derives each expected address from the supplied keys and proves every
// precondition itself; the account list is adversarial input.
func Process(env *ledger.Env, programID crypto.Address, accounts []*ledger.AccountInfo, data []byte) error {
	ix, err := DecodeInstruction(data)
	if err != nil {
		metrics.Messaging().ObserveFailure(CodeDecodeFailure.String())
		return decodeFailure(err)
	}
	metrics.Messaging().ObserveInstruction(ix.Kind.String())

	switch ix.Kind {
	case KindCreateUser:
		err = createUser(env, programID, accounts)
	case KindCreateConversation:
		err = createConversation(env, programID, accounts)
	case KindCreateUserConversation:
		err = createUserConversation(env, programID, accounts, ix.ConversationIndex)
	case KindCreateMessageAccount:
		err = createMessageAccount(env, programID, accounts, ix.ConversationIndex, ix.MessageType, ix.Content)
	case KindCreateConversationEncryptionInfo:
		err = createConversationEncryptionInfo(env, programID, accounts, ix.Data)
	case KindSendMessage:
		err = sendMessage(env, programID, accounts, ix.MessageType, ix.Content)
	}
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			metrics.Messaging().ObserveFailure(perr.Code.String())
		}
		env.Logger().Debug("instruction rejected",
			slog.String("operation", ix.Kind.String()),
			slog.Any("error", err))
	}
	return err
}

// takeAccounts destructures the supplied account list, rejecting short lists.
func takeAccounts(accounts []*ledger.AccountInfo, n int) ([]*ledger.AccountInfo, error) {
	if len(accounts) < n {
		return nil, decodeFailure(fmt.Errorf("operation needs %d accounts, got %d", n, len(accounts)))
	}
	return accounts[:n], nil
}

// writeRecord serializes rec into the account's existing data region. The
// account must already be sized exactly for the record.
func writeRecord(info *ledger.AccountInfo, rec interface{ MarshalBinary() ([]byte, error) }) error {
	encoded, err := rec.MarshalBinary()
	if err != nil {
		return decodeFailure(err)
	}
	if len(encoded) != len(info.Data) {
		return decodeFailure(fmt.Errorf("record of %d bytes does not fit account of %d bytes", len(encoded), len(info.Data)))
	}
	copy(info.Data, encoded)
	return nil
}

// createUser allocates the user record slot for a wallet. The slot starts
// zeroed, which decodes as a conversation counter of zero.
//
// Accounts: funder (signer), user slot, wallet, rent sysvar, system program.
func createUser(env *ledger.Env, programID crypto.Address, accounts []*ledger.AccountInfo) error {
	accs, err := takeAccounts(accounts, 5)
	if err != nil {
		return err
	}
	funder, userInfo, walletInfo := accs[0], accs[1], accs[2]

	userAddr, userBump, err := DeriveUserAddress(walletInfo.Key, programID)
	if err != nil {
		return err
	}
	if userAddr != userInfo.Key {
		return ErrAddressMismatch
	}
	if userInfo.Initialized() {
		return ErrAlreadyInitialized
	}

	seeds := [][]byte{
		walletInfo.Key.Bytes(),
		[]byte(userSeed),
		{userBump},
	}
	return createPDAAccount(env, funder, userInfo, true, UserSize, programID, seeds)
}

// createConversation allocates the conversation slot shared by two user
// records, then links each participant that does not yet have a
// user-conversation entry at their current sequence index. Each participant's
// bookkeeping is idempotent: an already-populated slot is skipped silently.
//
// Accounts: funder (signer), conversation slot, first user, second user,
// first user-conversation slot, second user-conversation slot, rent sysvar,
// system program.
func createConversation(env *ledger.Env, programID crypto.Address, accounts []*ledger.AccountInfo) error {
	accs, err := takeAccounts(accounts, 8)
	if err != nil {
		return err
	}
	funder, conversationInfo := accs[0], accs[1]
	firstUserInfo, secondUserInfo := accs[2], accs[3]
	senderConvInfo, receiverConvInfo := accs[4], accs[5]
	rentInfo, systemInfo := accs[6], accs[7]

	conversationAddr, conversationBump, err := DeriveConversationAddress(firstUserInfo.Key, secondUserInfo.Key, programID)
	if err != nil {
		return err
	}
	if conversationAddr != conversationInfo.Key {
		return ErrAddressMismatch
	}
	if conversationInfo.Initialized() {
		return ErrAlreadyInitialized
	}

	addressOne, addressTwo := sortAddressesAsc(firstUserInfo.Key, secondUserInfo.Key)
	seeds := [][]byte{
		addressOne.Bytes(),
		addressTwo.Bytes(),
		[]byte(conversationSeed),
		{conversationBump},
	}
	if err := createPDAAccount(env, funder, conversationInfo, true, ConversationSize, programID, seeds); err != nil {
		return err
	}

	if err := linkParticipant(env, programID, funder, firstUserInfo, senderConvInfo, conversationInfo, rentInfo, systemInfo); err != nil {
		return err
	}
	return linkParticipant(env, programID, funder, secondUserInfo, receiverConvInfo, conversationInfo, rentInfo, systemInfo)
}

// linkParticipant records the conversation in one participant's sequence: if
// their user-conversation slot at the current counter index is empty, create
// it, point it at the conversation, and advance the counter. A populated slot
// means the participant is already linked and the call is a no-op.
func linkParticipant(env *ledger.Env, programID crypto.Address, funder, userInfo, userConvInfo, conversationInfo, rentInfo, systemInfo *ledger.AccountInfo) error {
	var user User
	if err := user.UnmarshalBinary(userInfo.Data); err != nil {
		return decodeFailure(err)
	}
	if userConvInfo.Initialized() {
		return nil
	}

	linkAccounts := []*ledger.AccountInfo{funder, userConvInfo, userInfo, rentInfo, systemInfo}
	if err := createUserConversation(env, programID, linkAccounts, user.ConversationCounter); err != nil {
		return err
	}

	link := UserConversation{ConversationAddress: conversationInfo.Key}
	if err := writeRecord(userConvInfo, &link); err != nil {
		return err
	}

	user.ConversationCounter++
	return writeRecord(userInfo, &user)
}

// createUserConversation allocates one slot of a user's conversation
// sequence. The conversation address inside stays zero until assigned, either
// directly by a client or internally by createConversation.
//
// Accounts: funder (signer), user-conversation slot, user, rent sysvar,
// system program.
func createUserConversation(env *ledger.Env, programID crypto.Address, accounts []*ledger.AccountInfo, conversationIndex uint32) error {
	accs, err := takeAccounts(accounts, 5)
	if err != nil {
		return err
	}
	funder, userConvInfo, userInfo := accs[0], accs[1], accs[2]

	userConvAddr, userConvBump, err := DeriveUserConversationAddress(userInfo.Key, conversationIndex, programID)
	if err != nil {
		return err
	}
	if userConvAddr != userConvInfo.Key {
		return ErrAddressMismatch
	}
	if userConvInfo.Initialized() {
		return ErrAlreadyInitialized
	}

	seeds := [][]byte{
		userInfo.Key.Bytes(),
		indexedSeed(conversationIndex, userConversationSeed),
		{userConvBump},
	}
	return createPDAAccount(env, funder, userConvInfo, true, UserConversationSize, programID, seeds)
}

// createMessageAccount appends a message to a conversation the sender proves
// membership in through their user-conversation record at conversationIndex.
//
// Accounts: funder (signer), sender (signer), sender user, sender
// user-conversation, conversation, message slot, rent sysvar, clock sysvar,
// system program.
func createMessageAccount(env *ledger.Env, programID crypto.Address, accounts []*ledger.AccountInfo, conversationIndex uint32, messageType byte, content []byte) error {
	accs, err := takeAccounts(accounts, 9)
	if err != nil {
		return err
	}
	funder, senderInfo := accs[0], accs[1]
	senderUserInfo, senderConvInfo := accs[2], accs[3]
	conversationInfo, messageInfo := accs[4], accs[5]
	rentInfo, clockInfo := accs[6], accs[7]

	if !senderInfo.Signer {
		return ErrMissingSignature
	}
	if !senderUserInfo.Initialized() {
		return ErrUninitializedAccount
	}
	if !conversationInfo.Initialized() {
		return ErrUninitializedAccount
	}
	if conversationInfo.Owner != programID {
		return ErrIncorrectOwner
	}

	expectedConvSlot, _, err := DeriveUserConversationAddress(senderUserInfo.Key, conversationIndex, programID)
	if err != nil {
		return err
	}
	if senderConvInfo.Key != expectedConvSlot {
		return ErrAddressMismatch
	}

	// The membership check: the sender's recorded link must point at exactly
	// the conversation being written.
	var link UserConversation
	if err := link.UnmarshalBinary(senderConvInfo.Data); err != nil {
		return decodeFailure(err)
	}
	if conversationInfo.Key != link.ConversationAddress {
		return ErrMembershipViolation
	}

	if rentInfo.Key != ledger.RentSysvarAddress {
		return ErrInvalidSystemReference
	}
	if clockInfo.Key != ledger.ClockSysvarAddress {
		return ErrInvalidSystemReference
	}

	return appendMessage(env, programID, funder, senderInfo, conversationInfo, messageInfo, messageType, content)
}

// appendMessage performs the counter-indexed message allocation shared by
// CreateMessageAccount and SendMessage: read the conversation counter,
// re-derive the message slot at that index, allocate it on the temporary rent
// tier, populate it, and persist the incremented counter.
func appendMessage(env *ledger.Env, programID crypto.Address, funder, senderInfo, conversationInfo, messageInfo *ledger.AccountInfo, messageType byte, content []byte) error {
	var conversation Conversation
	if err := conversation.UnmarshalBinary(conversationInfo.Data); err != nil {
		return decodeFailure(err)
	}
	messageIndex := conversation.MessageCounter

	messageAddr, messageBump, err := DeriveMessageAddress(conversationInfo.Key, messageIndex, programID)
	if err != nil {
		return err
	}
	if messageAddr != messageInfo.Key {
		return ErrAddressMismatch
	}

	seeds := [][]byte{
		conversationInfo.Key.Bytes(),
		indexedSeed(messageIndex, messageSeed),
		{messageBump},
	}
	if err := createPDAAccount(env, funder, messageInfo, false, MessageSize(len(content)), programID, seeds); err != nil {
		return err
	}

	message := Message{
		Sender:      senderInfo.Key,
		MessageType: messageType,
		Content:     content,
		Timestamp:   env.Clock().UnixTimestamp,
	}
	if err := writeRecord(messageInfo, &message); err != nil {
		return err
	}

	conversation.MessageCounter++
	return writeRecord(conversationInfo, &conversation)
}

// createConversationEncryptionInfo stores opaque encryption metadata for the
// conversation derivable from the two supplied user records. The one-per-
// conversation invariant holds because re-allocation of the derived slot
// fails at the host.
//
// Accounts: funder (signer), sender (signer), encryption-info slot, sender
// user, receiver user, conversation, rent sysvar, clock sysvar, system
// program.
func createConversationEncryptionInfo(env *ledger.Env, programID crypto.Address, accounts []*ledger.AccountInfo, data []byte) error {
	accs, err := takeAccounts(accounts, 9)
	if err != nil {
		return err
	}
	funder, senderInfo, infoInfo := accs[0], accs[1], accs[2]
	senderUserInfo, receiverUserInfo := accs[3], accs[4]
	conversationInfo := accs[5]
	rentInfo, clockInfo := accs[6], accs[7]

	infoAddr, infoBump, err := DeriveConversationEncryptionInfoAddress(conversationInfo.Key, programID)
	if err != nil {
		return err
	}
	if infoAddr != infoInfo.Key {
		return ErrAddressMismatch
	}

	if !senderInfo.Signer {
		return ErrMissingSignature
	}
	if !conversationInfo.Initialized() {
		return ErrUninitializedAccount
	}
	if senderUserInfo.Owner != programID {
		return ErrIncorrectOwner
	}
	if receiverUserInfo.Owner != programID {
		return ErrIncorrectOwner
	}
	if conversationInfo.Owner != programID {
		return ErrIncorrectOwner
	}

	expectedConversation, _, err := DeriveConversationAddress(senderUserInfo.Key, receiverUserInfo.Key, programID)
	if err != nil {
		return err
	}
	if conversationInfo.Key != expectedConversation {
		return ErrAddressMismatch
	}

	if rentInfo.Key != ledger.RentSysvarAddress {
		return ErrInvalidSystemReference
	}
	if clockInfo.Key != ledger.ClockSysvarAddress {
		return ErrInvalidSystemReference
	}

	seeds := [][]byte{
		conversationInfo.Key.Bytes(),
		[]byte(conversationEncryptionSeed),
		{infoBump},
	}
	if err := createPDAAccount(env, funder, infoInfo, true, ConversationEncryptionInfoSize(len(data)), programID, seeds); err != nil {
		return err
	}
	return writeRecord(infoInfo, &ConversationEncryptionInfo{Data: data})
}

// sendMessage appends a message like createMessageAccount, but proves the
// sender/receiver/conversation relationship by re-deriving the conversation
// address from the two user records instead of trusting a stored link.
//
// Accounts: funder (signer), sender (signer), sender user, receiver user,
// conversation, message slot, rent sysvar, clock sysvar, system program.
func sendMessage(env *ledger.Env, programID crypto.Address, accounts []*ledger.AccountInfo, messageType byte, content []byte) error {
	accs, err := takeAccounts(accounts, 9)
	if err != nil {
		return err
	}
	funder, senderInfo := accs[0], accs[1]
	senderUserInfo, receiverUserInfo := accs[2], accs[3]
	conversationInfo, messageInfo := accs[4], accs[5]
	rentInfo, clockInfo := accs[6], accs[7]

	if !senderInfo.Signer {
		return ErrMissingSignature
	}
	if !senderUserInfo.Initialized() {
		return ErrUninitializedAccount
	}
	if !receiverUserInfo.Initialized() {
		return ErrUninitializedAccount
	}
	if !conversationInfo.Initialized() {
		return ErrUninitializedAccount
	}
	if senderUserInfo.Owner != programID {
		return ErrIncorrectOwner
	}
	if receiverUserInfo.Owner != programID {
		return ErrIncorrectOwner
	}
	if conversationInfo.Owner != programID {
		return ErrIncorrectOwner
	}

	expectedConversation, _, err := DeriveConversationAddress(senderUserInfo.Key, receiverUserInfo.Key, programID)
	if err != nil {
		return err
	}
	if conversationInfo.Key != expectedConversation {
		return ErrAddressMismatch
	}

	if rentInfo.Key != ledger.RentSysvarAddress {
		return ErrInvalidSystemReference
	}
	if clockInfo.Key != ledger.ClockSysvarAddress {
		return ErrInvalidSystemReference
	}

	return appendMessage(env, programID, funder, senderInfo, conversationInfo, messageInfo, messageType, content)
}
