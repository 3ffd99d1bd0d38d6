package limiter

import (
	"context"
	"fmt"
	"time"
)

func ExampleMemoryLimiter() {
	l := NewMemoryLimiter()

	limit := Limit{
		Max:    10,
		Window: time.Second,
	}
	id := Identity{Namespace: "user", Key: "user_123"}

	dec, err := l.Allow(context.Background(), id, limit)
	if err != nil {
		panic(err)
	}

	fmt.Println(dec.Allow, dec.Remaining)
	// Output:
	// true 9
}
