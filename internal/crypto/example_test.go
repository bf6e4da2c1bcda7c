package crypto_test

import (
	"fmt"

	"github.com/TheMichaelB/sectionrepeat/internal/crypto"
)

func ExampleHash() {
	fmt.Println(crypto.Hash("ab", "c"))
	// Output: ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad
}
