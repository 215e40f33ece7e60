package diffutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleDiff = `diff --git a/src/main.go b/src/main.go
index 1111111..2222222 100644
--- a/src/main.go
+++ b/src/main.go
@@ -10,6 +10,7 @@ func main() {
 	x := 1
 	y := 2
-	z := x + y
+	z := x + y + 1
+	fmt.Println(z)
 	return
 }
diff --git a/vendor/lib.go b/vendor/lib.go
index 3333333..4444444 100644
--- a/vendor/lib.go
+++ b/vendor/lib.go
@@ -1,3 +1,4 @@
 package lib
+// extra comment
 func Foo() {}
`

func TestParseCommentableLines(t *testing.T) {
	result := ParseCommentableLines(sampleDiff)

	main, ok := result["src/main.go"]
	assert.True(t, ok)

	// line 10 (x := 1) is context -> commentable
	assert.True(t, main[10])
	// line 11 (y := 2) context
	assert.True(t, main[11])
	// the deletion line "z := x + y" does not occupy a new-side line
	// added replacement occupies line 12
	assert.True(t, main[12])
	// the appended Println line occupies line 13
	assert.True(t, main[13])
	// return/closing brace are context at 14, 15
	assert.True(t, main[14])
	assert.True(t, main[15])

	lib, ok := result["vendor/lib.go"]
	assert.True(t, ok)
	assert.True(t, lib[1])
	assert.True(t, lib[2])
}

func TestFindNearestCommentable(t *testing.T) {
	lines := FileLines{10: true, 14: true}

	t.Run("exact match", func(t *testing.T) {
		assert.Equal(t, 10, FindNearestCommentable(lines, 10, 3))
	})

	t.Run("nearest within distance, prefers downward on tie", func(t *testing.T) {
		// line 12 is 2 away from both 10 (down-offset... wait up) and 14
		// distance 2 up is 10, distance 2 down is 14; downward checked first at
		// each distance increment, so d=1 checks 13 then 11 (neither present),
		// d=2 checks 14 then 10 -> 14 wins
		assert.Equal(t, 14, FindNearestCommentable(lines, 12, 3))
	})

	t.Run("outside max distance is orphan", func(t *testing.T) {
		assert.Equal(t, -1, FindNearestCommentable(lines, 100, 3))
	})

	t.Run("nil map is orphan", func(t *testing.T) {
		assert.Equal(t, -1, FindNearestCommentable(nil, 1, 3))
	})
}

func TestFilterDiff(t *testing.T) {
	filtered := FilterDiff(sampleDiff, []string{"vendor/**"})
	assert.Contains(t, filtered, "src/main.go")
	assert.NotContains(t, filtered, "vendor/lib.go")
}

func TestFilterDiff_NoGlobsReturnsUnchanged(t *testing.T) {
	assert.Equal(t, sampleDiff, FilterDiff(sampleDiff, nil))
}

func TestFindSecurityPaths(t *testing.T) {
	paths := FindSecurityPaths(sampleDiff, []string{"src/**"})
	assert.Equal(t, []string{"src/main.go"}, paths)
}

func TestFindSecurityPaths_NoGlobsReturnsNil(t *testing.T) {
	assert.Nil(t, FindSecurityPaths(sampleDiff, nil))
}

func TestGlobToRegexp(t *testing.T) {
	t.Run("single star stays within segment", func(t *testing.T) {
		re := globToRegexp("src/*.go")
		assert.True(t, re.MatchString("src/main.go"))
		assert.False(t, re.MatchString("src/sub/main.go"))
	})

	t.Run("double star crosses segments", func(t *testing.T) {
		re := globToRegexp("vendor/**")
		assert.True(t, re.MatchString("vendor/a/b/c.go"))
	})

	t.Run("metacharacters are escaped", func(t *testing.T) {
		re := globToRegexp("a.b+c")
		assert.True(t, re.MatchString("a.b+c"))
		assert.False(t, re.MatchString("aXbXc"))
	})
}
