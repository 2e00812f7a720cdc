// Command keygen prints validator keys and the matching [consensus]
// validator entries for a devnet.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/10yihang/snapnode/internal/keys"
	"github.com/10yihang/snapnode/internal/wire"
)

var (
	count      = flag.Int("n", 4, "number of validator keys to generate")
	firstFid   = flag.Uint64("first-fid", 1, "fid of the first validator")
	findShard  = flag.Int("find-fid", -1, "print the smallest fid that lands on this shard and exit")
	shardCount = flag.Uint("shard-count", 1, "shard count used by -find-fid")
)

func main() {
	flag.Parse()

	if *findShard >= 0 {
		for fid := uint64(1); fid < 1_000_000; fid++ {
			if wire.MessageShard(fid, uint32(*shardCount)) == uint32(*findShard) {
				fmt.Println(fid)
				return
			}
		}
		fmt.Println("Not found")
		os.Exit(1)
	}

	signers := make([]*keys.Signer, *count)
	for i := range signers {
		s, err := keys.GenerateSigner()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		signers[i] = s
	}

	for i, s := range signers {
		fmt.Printf("# node %d: key = %q\n", i, s.PrivateHex())
	}
	fmt.Println()
	for i, s := range signers {
		fmt.Println("[[consensus.validators]]")
		fmt.Printf("public_key = %q\n", hex.EncodeToString(s.PublicKey()))
		fmt.Printf("fid = %d\n\n", *firstFid+uint64(i))
	}
}
