package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"imchain/crypto"
	"imchain/messaging"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: im-cli <command> [flags]

Commands:
  keygen                             generate a wallet keypair
  derive-user <wallet>               print the wallet's user record address
  derive-conversation <walletA> <walletB>
                                     print the conversation address between two wallets
  build-send <funder> <sender> <receiver> <index> <message>
                                     print the SendMessage account list and hex payload
`)
	os.Exit(2)
}

func main() {
	programFlag := flag.String("program", messaging.DefaultProgramAddress.String(), "messaging program address")
	flag.Parse()

	program, err := crypto.DecodeAddress(*programFlag)
	if err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	switch args[0] {
	case "keygen":
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("address: %s\n", key.PubKey().Address())
		fmt.Printf("seed:    %s\n", hex.EncodeToString(key.Bytes()))
	case "derive-user":
		if len(args) != 2 {
			usage()
		}
		wallet := mustAddress(args[1])
		userAddr, bump, err := messaging.DeriveUserAddress(wallet, program)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("user:  %s\nbump:  %d\n", userAddr, bump)
	case "derive-conversation":
		if len(args) != 3 {
			usage()
		}
		userA := mustUser(mustAddress(args[1]), program)
		userB := mustUser(mustAddress(args[2]), program)
		conversationAddr, bump, err := messaging.DeriveConversationAddress(userA, userB, program)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("conversation: %s\nbump:         %d\n", conversationAddr, bump)
	case "build-send":
		if len(args) != 6 {
			usage()
		}
		funder := mustAddress(args[1])
		sender := mustAddress(args[2])
		receiver := mustAddress(args[3])
		var index uint32
		if _, err := fmt.Sscanf(args[4], "%d", &index); err != nil {
			fatal(fmt.Errorf("invalid message index %q", args[4]))
		}
		ix, err := messaging.NewSendMessageInstruction(program, funder, sender, receiver, index, messaging.MessageTypePlainText, []byte(args[5]))
		if err != nil {
			fatal(err)
		}
		for _, meta := range ix.Accounts {
			fmt.Printf("account: %s signer=%t writable=%t\n", meta.Address, meta.Signer, meta.Writable)
		}
		fmt.Printf("data: %s\n", hex.EncodeToString(ix.Data))
	default:
		usage()
	}
}

func mustAddress(s string) crypto.Address {
	addr, err := crypto.DecodeAddress(s)
	if err != nil {
		fatal(err)
	}
	return addr
}

func mustUser(wallet, program crypto.Address) crypto.Address {
	userAddr, _, err := messaging.DeriveUserAddress(wallet, program)
	if err != nil {
		fatal(err)
	}
	return userAddr
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "im-cli: %v\n", err)
	os.Exit(1)
}
