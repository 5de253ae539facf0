package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"imchain/crypto"
	"imchain/ledger"
	"imchain/messaging"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	// Program errors occupy -32100-<code>, so clients can recover the typed
	// failure kind from the flat integer.
	codeProgramErrorBase = -32100
)

// Server exposes the ledger runtime over JSON-RPC 2.0.
type Server struct {
	runtime *ledger.Runtime
	program crypto.Address
	logger  *slog.Logger
}

func NewServer(runtime *ledger.Runtime, program crypto.Address, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{runtime: runtime, program: program, logger: logger}
}

// Handler returns the http.Handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Server) Start(addr string) error {
	s.logger.Info("starting JSON-RPC server", slog.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "unable to read request body", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON-RPC request", nil)
		return
	}

	switch req.Method {
	case "im_submitTransaction":
		s.handleSubmitTransaction(w, &req)
	case "im_getAccount":
		s.handleGetAccount(w, &req)
	case "im_deriveUser":
		s.handleDeriveUser(w, &req)
	case "im_deriveConversation":
		s.handleDeriveConversation(w, &req)
	case "im_getUser":
		s.handleGetUser(w, &req)
	case "im_getConversation":
		s.handleGetConversation(w, &req)
	case "im_getConversationMessages":
		s.handleGetConversationMessages(w, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

type submitAccountMeta struct {
	Address  string `json:"address"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

type submitSignature struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type submitTransactionParams struct {
	Accounts   []submitAccountMeta `json:"accounts"`
	Data       string              `json:"data"`
	Signatures []submitSignature   `json:"signatures"`
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, req *RPCRequest) {
	var params submitTransactionParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	ix := ledger.Instruction{ProgramID: s.program}
	for _, meta := range params.Accounts {
		addr, err := crypto.DecodeAddress(meta.Address)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		ix.Accounts = append(ix.Accounts, ledger.AccountMeta{Address: addr, Signer: meta.Signer, Writable: meta.Writable})
	}
	data, err := hex.DecodeString(params.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "instruction data is not valid hex", nil)
		return
	}
	ix.Data = data

	tx := ledger.NewTransaction(ix)
	for _, sig := range params.Signatures {
		addr, err := crypto.DecodeAddress(sig.Address)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		raw, err := hex.DecodeString(sig.Signature)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "signature is not valid hex", nil)
			return
		}
		tx.Signatures = append(tx.Signatures, ledger.Signature{Address: addr, Signature: raw})
	}

	if err := s.runtime.Execute(tx); err != nil {
		var perr *messaging.Error
		if errors.As(err, &perr) {
			writeError(w, http.StatusOK, req.ID, codeProgramErrorBase-int(perr.Code), err.Error(), perr.Code.String())
			return
		}
		writeError(w, http.StatusOK, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]bool{"committed": true})
}

type accountResult struct {
	Address  string `json:"address"`
	Owner    string `json:"owner"`
	Lamports uint64 `json:"lamports"`
	Data     string `json:"data"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, req *RPCRequest) {
	addr, err := addressParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	acc, exists, err := s.runtime.Store().Get(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	if !exists {
		writeResult(w, req.ID, nil)
		return
	}
	writeResult(w, req.ID, accountResult{
		Address:  addr.String(),
		Owner:    acc.Owner.String(),
		Lamports: acc.Lamports,
		Data:     hex.EncodeToString(acc.Data),
	})
}

func (s *Server) handleDeriveUser(w http.ResponseWriter, req *RPCRequest) {
	wallet, err := addressParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	userAddr, _, err := messaging.DeriveUserAddress(wallet, s.program)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, userAddr.String())
}

func (s *Server) handleDeriveConversation(w http.ResponseWriter, req *RPCRequest) {
	conversationAddr, err := s.conversationForWallets(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, conversationAddr.String())
}

func (s *Server) handleGetUser(w http.ResponseWriter, req *RPCRequest) {
	wallet, err := addressParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	userAddr, _, err := messaging.DeriveUserAddress(wallet, s.program)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	acc, exists, err := s.runtime.Store().Get(userAddr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	if !exists {
		writeResult(w, req.ID, nil)
		return
	}
	var user messaging.User
	if err := user.UnmarshalBinary(acc.Data); err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"address":             userAddr.String(),
		"conversationCounter": user.ConversationCounter,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, req *RPCRequest) {
	conversationAddr, conversation, err := s.loadConversation(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if conversation == nil {
		writeResult(w, req.ID, nil)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"address":        conversationAddr.String(),
		"messageCounter": conversation.MessageCounter,
	})
}

type messageResult struct {
	Index       uint32 `json:"index"`
	Sender      string `json:"sender"`
	MessageType byte   `json:"messageType"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

// handleGetConversationMessages walks message indices 0..counter-1,
// re-deriving each slot. Discovery is always by derivation, never by
// enumeration of the store.
func (s *Server) handleGetConversationMessages(w http.ResponseWriter, req *RPCRequest) {
	conversationAddr, conversation, err := s.loadConversation(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if conversation == nil {
		writeResult(w, req.ID, []messageResult{})
		return
	}
	results := make([]messageResult, 0, conversation.MessageCounter)
	for index := uint32(0); index < conversation.MessageCounter; index++ {
		messageAddr, _, err := messaging.DeriveMessageAddress(conversationAddr, index, s.program)
		if err != nil {
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
			return
		}
		acc, exists, err := s.runtime.Store().Get(messageAddr)
		if err != nil {
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
			return
		}
		if !exists {
			continue
		}
		var message messaging.Message
		if err := message.UnmarshalBinary(acc.Data); err != nil {
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
			return
		}
		results = append(results, messageResult{
			Index:       index,
			Sender:      message.Sender.String(),
			MessageType: message.MessageType,
			Content:     hex.EncodeToString(message.Content),
			Timestamp:   message.Timestamp,
		})
	}
	writeResult(w, req.ID, results)
}

func (s *Server) conversationForWallets(req *RPCRequest) (crypto.Address, error) {
	walletA, err := addressParam(req, 0)
	if err != nil {
		return crypto.Address{}, err
	}
	walletB, err := addressParam(req, 1)
	if err != nil {
		return crypto.Address{}, err
	}
	userA, _, err := messaging.DeriveUserAddress(walletA, s.program)
	if err != nil {
		return crypto.Address{}, err
	}
	userB, _, err := messaging.DeriveUserAddress(walletB, s.program)
	if err != nil {
		return crypto.Address{}, err
	}
	conversationAddr, _, err := messaging.DeriveConversationAddress(userA, userB, s.program)
	if err != nil {
		return crypto.Address{}, err
	}
	return conversationAddr, nil
}

func (s *Server) loadConversation(req *RPCRequest) (crypto.Address, *messaging.Conversation, error) {
	conversationAddr, err := s.conversationForWallets(req)
	if err != nil {
		return crypto.Address{}, nil, err
	}
	acc, exists, err := s.runtime.Store().Get(conversationAddr)
	if err != nil {
		return crypto.Address{}, nil, err
	}
	if !exists {
		return conversationAddr, nil, nil
	}
	conversation := new(messaging.Conversation)
	if err := conversation.UnmarshalBinary(acc.Data); err != nil {
		return crypto.Address{}, nil, err
	}
	return conversationAddr, conversation, nil
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) < 1 {
		return fmt.Errorf("method requires one parameter")
	}
	return json.Unmarshal(req.Params[0], out)
}

func addressParam(req *RPCRequest, index int) (crypto.Address, error) {
	if len(req.Params) <= index {
		return crypto.Address{}, fmt.Errorf("missing address parameter %d", index)
	}
	var encoded string
	if err := json.Unmarshal(req.Params[index], &encoded); err != nil {
		return crypto.Address{}, fmt.Errorf("address parameter %d must be a string", index)
	}
	return crypto.DecodeAddress(encoded)
}
