package benchmark

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/TheMichaelB/sectionrepeat/internal/crypto"
)

func BenchmarkHash(b *testing.B) {
	salt, err := crypto.NewSalt(rand.Reader)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = crypto.Hash(fmt.Sprintf("video%06d", i%1000), salt)
	}
}

func BenchmarkNewSalt(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := crypto.NewSalt(rand.Reader); err != nil {
			b.Fatal(err)
		}
	}
}
