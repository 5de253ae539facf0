package messaging_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"imchain/crypto"
	"imchain/ledger"
	"imchain/messaging"
	"imchain/storage"
)

const testTimestamp int64 = 1_700_000_000

// harness wires a messaging program into an in-memory runtime with a funded
// fee payer and a frozen clock.
type harness struct {
	t       *testing.T
	runtime *ledger.Runtime
	program crypto.Address
	funder  *crypto.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := ledger.NewStore(storage.NewMemDB())
	runtime := ledger.NewRuntime(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	runtime.SetNowFunc(func() int64 { return testTimestamp })
	runtime.RegisterProgram(messaging.DefaultProgramAddress, messaging.Process)

	funder, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, store.Put(funder.PubKey().Address(), &ledger.Account{
		Owner:    ledger.SystemProgramAddress,
		Lamports: 1 << 40,
	}))
	return &harness{t: t, runtime: runtime, program: messaging.DefaultProgramAddress, funder: funder}
}

func (h *harness) funderAddr() crypto.Address {
	return h.funder.PubKey().Address()
}

func (h *harness) exec(ix *ledger.Instruction, signers ...*crypto.PrivateKey) error {
	h.t.Helper()
	tx := ledger.NewTransaction(*ix)
	require.NoError(h.t, tx.Sign(append([]*crypto.PrivateKey{h.funder}, signers...)...))
	return h.runtime.Execute(tx)
}

func (h *harness) account(addr crypto.Address) *ledger.Account {
	h.t.Helper()
	acc, ok, err := h.runtime.Store().Get(addr)
	require.NoError(h.t, err)
	require.True(h.t, ok, "account %s does not exist", addr)
	return acc
}

func (h *harness) exists(addr crypto.Address) bool {
	h.t.Helper()
	_, ok, err := h.runtime.Store().Get(addr)
	require.NoError(h.t, err)
	return ok
}

func newWallet(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func (h *harness) createUser(wallet crypto.Address) {
	h.t.Helper()
	ix, err := messaging.NewCreateUserInstruction(h.program, h.funderAddr(), wallet)
	require.NoError(h.t, err)
	require.NoError(h.t, h.exec(ix))
}

func (h *harness) userAddr(wallet crypto.Address) crypto.Address {
	h.t.Helper()
	addr, _, err := messaging.DeriveUserAddress(wallet, h.program)
	require.NoError(h.t, err)
	return addr
}

func (h *harness) user(wallet crypto.Address) messaging.User {
	h.t.Helper()
	var user messaging.User
	require.NoError(h.t, user.UnmarshalBinary(h.account(h.userAddr(wallet)).Data))
	return user
}

// createConversation establishes the conversation between two wallets' user
// records at both participants' current sequence indices.
func (h *harness) createConversation(walletA, walletB crypto.Address) crypto.Address {
	h.t.Helper()
	userA, userB := h.userAddr(walletA), h.userAddr(walletB)
	ix, err := messaging.NewCreateConversationInstruction(
		h.program, h.funderAddr(), userA, userB,
		h.user(walletA).ConversationCounter, h.user(walletB).ConversationCounter)
	require.NoError(h.t, err)
	require.NoError(h.t, h.exec(ix))

	addr, _, err := messaging.DeriveConversationAddress(userA, userB, h.program)
	require.NoError(h.t, err)
	return addr
}

func (h *harness) conversation(addr crypto.Address) messaging.Conversation {
	h.t.Helper()
	var conversation messaging.Conversation
	require.NoError(h.t, conversation.UnmarshalBinary(h.account(addr).Data))
	return conversation
}

func (h *harness) link(user crypto.Address, index uint32) messaging.UserConversation {
	h.t.Helper()
	slot, _, err := messaging.DeriveUserConversationAddress(user, index, h.program)
	require.NoError(h.t, err)
	var link messaging.UserConversation
	require.NoError(h.t, link.UnmarshalBinary(h.account(slot).Data))
	return link
}

func (h *harness) message(conversation crypto.Address, index uint32) messaging.Message {
	h.t.Helper()
	slot, _, err := messaging.DeriveMessageAddress(conversation, index, h.program)
	require.NoError(h.t, err)
	var message messaging.Message
	require.NoError(h.t, message.UnmarshalBinary(h.account(slot).Data))
	return message
}

func TestCreateUser(t *testing.T) {
	h := newHarness(t)
	wallet := newWallet(t)

	before := h.account(h.funderAddr()).Lamports
	h.createUser(wallet.PubKey().Address())

	acc := h.account(h.userAddr(wallet.PubKey().Address()))
	require.Equal(t, h.program, acc.Owner)
	require.Len(t, acc.Data, messaging.UserSize)
	require.Equal(t, h.runtime.Rent().MinimumBalance(messaging.UserSize), acc.Lamports)
	require.Equal(t, before-acc.Lamports, h.account(h.funderAddr()).Lamports)

	require.Equal(t, uint32(0), h.user(wallet.PubKey().Address()).ConversationCounter)
}

func TestCreateUserTwiceFails(t *testing.T) {
	h := newHarness(t)
	wallet := newWallet(t).PubKey().Address()
	h.createUser(wallet)

	ix, err := messaging.NewCreateUserInstruction(h.program, h.funderAddr(), wallet)
	require.NoError(t, err)
	require.ErrorIs(t, h.exec(ix), messaging.ErrAlreadyInitialized)
	require.Equal(t, uint32(0), h.user(wallet).ConversationCounter)
}

func TestCreateUserRejectsForeignSlot(t *testing.T) {
	h := newHarness(t)
	walletA := newWallet(t).PubKey().Address()
	walletB := newWallet(t).PubKey().Address()

	// Swap in another wallet's user slot; the handler must re-derive and
	// refuse it.
	ix, err := messaging.NewCreateUserInstruction(h.program, h.funderAddr(), walletA)
	require.NoError(t, err)
	ix.Accounts[1].Address = h.userAddr(walletB)
	require.ErrorIs(t, h.exec(ix), messaging.ErrAddressMismatch)
}

func TestCreateConversationLinksBothParticipants(t *testing.T) {
	h := newHarness(t)
	walletA := newWallet(t).PubKey().Address()
	walletB := newWallet(t).PubKey().Address()
	h.createUser(walletA)
	h.createUser(walletB)

	conversationAddr := h.createConversation(walletA, walletB)

	require.Equal(t, uint32(0), h.conversation(conversationAddr).MessageCounter)
	require.Equal(t, uint32(1), h.user(walletA).ConversationCounter)
	require.Equal(t, uint32(1), h.user(walletB).ConversationCounter)
	require.Equal(t, conversationAddr, h.link(h.userAddr(walletA), 0).ConversationAddress)
	require.Equal(t, conversationAddr, h.link(h.userAddr(walletB), 0).ConversationAddress)
}

func TestCreateConversationTwiceFails(t *testing.T) {
	h := newHarness(t)
	walletA := newWallet(t).PubKey().Address()
	walletB := newWallet(t).PubKey().Address()
	h.createUser(walletA)
	h.createUser(walletB)
	h.createConversation(walletA, walletB)

	ix, err := messaging.NewCreateConversationInstruction(
		h.program, h.funderAddr(), h.userAddr(walletA), h.userAddr(walletB), 1, 1)
	require.NoError(t, err)
	require.ErrorIs(t, h.exec(ix), messaging.ErrAlreadyInitialized)
	require.Equal(t, uint32(1), h.user(walletA).ConversationCounter)
	require.Equal(t, uint32(1), h.user(walletB).ConversationCounter)
}

func TestCreateConversationRollsBackOnLinkFailure(t *testing.T) {
	h := newHarness(t)
	walletA := newWallet(t).PubKey().Address()
	walletB := newWallet(t).PubKey().Address()
	h.createUser(walletA)
	h.createUser(walletB)

	// The receiver slot index is wrong, so linking fails after the
	// conversation account was allocated in memory. Nothing may persist.
	ix, err := messaging.NewCreateConversationInstruction(
		h.program, h.funderAddr(), h.userAddr(walletA), h.userAddr(walletB), 0, 5)
	require.NoError(t, err)
	require.ErrorIs(t, h.exec(ix), messaging.ErrAddressMismatch)

	conversationAddr, _, err := messaging.DeriveConversationAddress(h.userAddr(walletA), h.userAddr(walletB), h.program)
	require.NoError(t, err)
	require.False(t, h.exists(conversationAddr))
	require.Equal(t, uint32(0), h.user(walletA).ConversationCounter)
	require.Equal(t, uint32(0), h.user(walletB).ConversationCounter)
}

func TestCreateUserConversationDirect(t *testing.T) {
	h := newHarness(t)
	wallet := newWallet(t).PubKey().Address()
	h.createUser(wallet)

	ix, err := messaging.NewCreateUserConversationInstruction(h.program, h.funderAddr(), h.userAddr(wallet), 0)
	require.NoError(t, err)
	require.NoError(t, h.exec(ix))

	// A directly created slot starts unassigned.
	require.True(t, h.link(h.userAddr(wallet), 0).ConversationAddress.IsZero())
}

func TestSendMessageAppendsInOrder(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	receiverWallet := receiver.PubKey().Address()
	h.createUser(senderWallet)
	h.createUser(receiverWallet)
	conversationAddr := h.createConversation(senderWallet, receiverWallet)

	contents := []string{"First message!", "second", "third"}
	for i, content := range contents {
		ix, err := messaging.NewSendMessageInstruction(
			h.program, h.funderAddr(), senderWallet, receiverWallet,
			uint32(i), messaging.MessageTypePlainText, []byte(content))
		require.NoError(t, err)
		require.NoError(t, h.exec(ix, sender))
	}

	require.Equal(t, uint32(len(contents)), h.conversation(conversationAddr).MessageCounter)
	for i, content := range contents {
		message := h.message(conversationAddr, uint32(i))
		require.Equal(t, senderWallet, message.Sender)
		require.Equal(t, messaging.MessageTypePlainText, message.MessageType)
		require.Equal(t, []byte(content), message.Content)
		require.Equal(t, testTimestamp, message.Timestamp)
	}
}

func TestSendMessageBothDirections(t *testing.T) {
	h := newHarness(t)
	alice, bob := newWallet(t), newWallet(t)
	aliceWallet := alice.PubKey().Address()
	bobWallet := bob.PubKey().Address()
	h.createUser(aliceWallet)
	h.createUser(bobWallet)
	conversationAddr := h.createConversation(aliceWallet, bobWallet)

	ix, err := messaging.NewSendMessageInstruction(
		h.program, h.funderAddr(), aliceWallet, bobWallet, 0, messaging.MessageTypePlainText, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, h.exec(ix, alice))

	// The reply lands in the same conversation regardless of who derives it.
	ix, err = messaging.NewSendMessageInstruction(
		h.program, h.funderAddr(), bobWallet, aliceWallet, 1, messaging.MessageTypePlainText, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, h.exec(ix, bob))

	require.Equal(t, uint32(2), h.conversation(conversationAddr).MessageCounter)
	require.Equal(t, aliceWallet, h.message(conversationAddr, 0).Sender)
	require.Equal(t, bobWallet, h.message(conversationAddr, 1).Sender)
}

func TestSendMessageTemporaryRentTier(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	receiverWallet := receiver.PubKey().Address()
	h.createUser(senderWallet)
	h.createUser(receiverWallet)
	conversationAddr := h.createConversation(senderWallet, receiverWallet)

	content := []byte("First message!")
	ix, err := messaging.NewSendMessageInstruction(
		h.program, h.funderAddr(), senderWallet, receiverWallet, 0, messaging.MessageTypePlainText, content)
	require.NoError(t, err)
	require.NoError(t, h.exec(ix, sender))

	rent := h.runtime.Rent()
	expected := rent.MinimumBalance(messaging.MessageSize(len(content))) / uint64(rent.ExemptionThreshold*365) * 7
	if expected < 1 {
		expected = 1
	}
	slot, _, err := messaging.DeriveMessageAddress(conversationAddr, 0, h.program)
	require.NoError(t, err)
	require.Equal(t, expected, h.account(slot).Lamports)
	require.Less(t, expected, rent.MinimumBalance(messaging.MessageSize(len(content))))
}

func TestSendMessageIndexMustMatchCounter(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	receiverWallet := receiver.PubKey().Address()
	h.createUser(senderWallet)
	h.createUser(receiverWallet)
	h.createConversation(senderWallet, receiverWallet)

	ix, err := messaging.NewSendMessageInstruction(
		h.program, h.funderAddr(), senderWallet, receiverWallet, 1, messaging.MessageTypePlainText, []byte("skip"))
	require.NoError(t, err)
	require.ErrorIs(t, h.exec(ix, sender), messaging.ErrAddressMismatch)
}

func TestSendMessageRequiresSenderSignature(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	receiverWallet := receiver.PubKey().Address()
	h.createUser(senderWallet)
	h.createUser(receiverWallet)
	h.createConversation(senderWallet, receiverWallet)

	ix, err := messaging.NewSendMessageInstruction(
		h.program, h.funderAddr(), senderWallet, receiverWallet, 0, messaging.MessageTypePlainText, []byte("hi"))
	require.NoError(t, err)

	// Demote the sender meta so the runtime admits the transaction without the
	// sender's signature; the handler itself must still reject it.
	ix.Accounts[1].Signer = false
	require.ErrorIs(t, h.exec(ix), messaging.ErrMissingSignature)
}

func TestSendMessageRequiresReceiverUser(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	h.createUser(senderWallet)

	ix, err := messaging.NewSendMessageInstruction(
		h.program, h.funderAddr(), senderWallet, receiver.PubKey().Address(), 0, messaging.MessageTypePlainText, []byte("hi"))
	require.NoError(t, err)
	require.ErrorIs(t, h.exec(ix, sender), messaging.ErrUninitializedAccount)
}

func TestSendMessageRejectsForeignConversationOwner(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	receiverWallet := receiver.PubKey().Address()
	h.createUser(senderWallet)
	h.createUser(receiverWallet)

	// Plant a system-owned account at the conversation address.
	conversationAddr, _, err := messaging.DeriveConversationAddress(
		h.userAddr(senderWallet), h.userAddr(receiverWallet), h.program)
	require.NoError(t, err)
	require.NoError(t, h.runtime.Store().Put(conversationAddr, &ledger.Account{
		Owner:    ledger.SystemProgramAddress,
		Lamports: 1,
		Data:     make([]byte, messaging.ConversationSize),
	}))

	ix, err := messaging.NewSendMessageInstruction(
		h.program, h.funderAddr(), senderWallet, receiverWallet, 0, messaging.MessageTypePlainText, []byte("hi"))
	require.NoError(t, err)
	require.ErrorIs(t, h.exec(ix, sender), messaging.ErrIncorrectOwner)
}

func TestSendMessageRejectsBogusSysvar(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	receiverWallet := receiver.PubKey().Address()
	h.createUser(senderWallet)
	h.createUser(receiverWallet)
	h.createConversation(senderWallet, receiverWallet)

	ix, err := messaging.NewSendMessageInstruction(
		h.program, h.funderAddr(), senderWallet, receiverWallet, 0, messaging.MessageTypePlainText, []byte("hi"))
	require.NoError(t, err)
	ix.Accounts[6].Address = newWallet(t).PubKey().Address()
	require.ErrorIs(t, h.exec(ix, sender), messaging.ErrInvalidSystemReference)
}

func TestCreateMessageAccountViaStoredLink(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	receiverWallet := receiver.PubKey().Address()
	h.createUser(senderWallet)
	h.createUser(receiverWallet)
	conversationAddr := h.createConversation(senderWallet, receiverWallet)

	ix, err := messaging.NewCreateMessageAccountInstruction(
		h.program, h.funderAddr(), senderWallet, conversationAddr,
		0, 0, messaging.MessageTypeRSAEncrypted, []byte("ciphertext"))
	require.NoError(t, err)
	require.NoError(t, h.exec(ix, sender))

	message := h.message(conversationAddr, 0)
	require.Equal(t, senderWallet, message.Sender)
	require.Equal(t, messaging.MessageTypeRSAEncrypted, message.MessageType)
	require.Equal(t, []byte("ciphertext"), message.Content)
	require.Equal(t, uint32(1), h.conversation(conversationAddr).MessageCounter)
}

func TestCreateMessageAccountMembershipViolation(t *testing.T) {
	h := newHarness(t)
	alice, bob, carol := newWallet(t), newWallet(t), newWallet(t)
	aliceWallet := alice.PubKey().Address()
	bobWallet := bob.PubKey().Address()
	carolWallet := carol.PubKey().Address()
	h.createUser(aliceWallet)
	h.createUser(bobWallet)
	h.createUser(carolWallet)
	h.createConversation(aliceWallet, bobWallet)
	carolConversation := h.createConversation(bobWallet, carolWallet)

	// Alice's slot 0 links the alice/bob conversation, not bob and carol's.
	ix, err := messaging.NewCreateMessageAccountInstruction(
		h.program, h.funderAddr(), aliceWallet, carolConversation,
		0, 0, messaging.MessageTypePlainText, []byte("intruding"))
	require.NoError(t, err)
	require.ErrorIs(t, h.exec(ix, alice), messaging.ErrMembershipViolation)
	require.Equal(t, uint32(0), h.conversation(carolConversation).MessageCounter)
}

func TestCreateConversationEncryptionInfo(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	receiverWallet := receiver.PubKey().Address()
	h.createUser(senderWallet)
	h.createUser(receiverWallet)
	conversationAddr := h.createConversation(senderWallet, receiverWallet)

	keyMaterial := []byte("rsa-wrapped-session-key")
	ix, err := messaging.NewCreateConversationEncryptionInfoInstruction(
		h.program, h.funderAddr(), senderWallet, receiverWallet, keyMaterial)
	require.NoError(t, err)
	require.NoError(t, h.exec(ix, sender))

	infoAddr, _, err := messaging.DeriveConversationEncryptionInfoAddress(conversationAddr, h.program)
	require.NoError(t, err)
	var info messaging.ConversationEncryptionInfo
	require.NoError(t, info.UnmarshalBinary(h.account(infoAddr).Data))
	require.Equal(t, keyMaterial, info.Data)

	// The derived slot is occupied now, so a second attempt dies at the host
	// allocation step.
	ix, err = messaging.NewCreateConversationEncryptionInfoInstruction(
		h.program, h.funderAddr(), senderWallet, receiverWallet, []byte("replacement"))
	require.NoError(t, err)
	require.ErrorIs(t, h.exec(ix, sender), messaging.ErrAllocationFailure)
	require.NoError(t, info.UnmarshalBinary(h.account(infoAddr).Data))
	require.Equal(t, keyMaterial, info.Data)
}

func TestEncryptionInfoRequiresConversation(t *testing.T) {
	h := newHarness(t)
	sender, receiver := newWallet(t), newWallet(t)
	senderWallet := sender.PubKey().Address()
	receiverWallet := receiver.PubKey().Address()
	h.createUser(senderWallet)
	h.createUser(receiverWallet)

	ix, err := messaging.NewCreateConversationEncryptionInfoInstruction(
		h.program, h.funderAddr(), senderWallet, receiverWallet, []byte("key"))
	require.NoError(t, err)
	require.ErrorIs(t, h.exec(ix, sender), messaging.ErrUninitializedAccount)
}

func TestProcessRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t)

	ix := &ledger.Instruction{
		ProgramID: h.program,
		Accounts:  []ledger.AccountMeta{ledger.NewAccountMeta(h.funderAddr(), true)},
		Data:      []byte{0xff},
	}
	require.ErrorIs(t, h.exec(ix), messaging.ErrDecodeFailure)
}
