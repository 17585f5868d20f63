package queue

import "fmt"

// Every list and hash belonging to one partition hangs off its source name.
func processingKey(name string) string { return name + ":processing" }
func claimsKey(name string) string     { return name + ":claims" }
func deadKey(name string) string       { return name + ":dead" }
func reasonsKey(name string) string    { return name + ":dead:reasons" }
func attemptsKey(name string) string   { return name + ":attempts" }

func partitionName(base string, i, n int) string {
	if n <= 1 {
		return base
	}
	return fmt.Sprintf("%s:p%d", base, i)
}
