package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveEntryPoint(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "direct scene subclass",
			source: "from manim import *\n\nclass Quadratic(Scene):\n    def construct(self):\n        pass\n",
			want:   "Quadratic",
		},
		{
			name:   "first match wins",
			source: "class Helper:\n    pass\n\nclass First(Scene):\n    pass\n\nclass Second(Scene):\n    pass\n",
			want:   "First",
		},
		{
			name:   "qualified base",
			source: "import manim\n\nclass Q(manim.Scene):\n    pass\n",
			want:   "Q",
		},
		{
			name:   "exact base preferred over variant",
			source: "class Cam(MovingCameraScene):\n    pass\n\nclass Plain(Scene):\n    pass\n",
			want:   "Plain",
		},
		{
			name:   "variant base when no exact match",
			source: "class Surface(ThreeDScene):\n    pass\n",
			want:   "Surface",
		},
		{
			name:   "whitespace inside parens",
			source: "class Spaced( Scene ):\n    pass\n",
			want:   "Spaced",
		},
		{
			name:   "no scene falls back",
			source: "x = 1\nclass Util(object):\n    pass\n",
			want:   "EducationalScene",
		},
		{
			name:   "nested in if block",
			source: "if True:\n    class Inner(Scene):\n        pass\n",
			want:   "Inner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveEntryPoint(context.Background(), tt.source, "Scene", "EducationalScene")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSceneClassesRegexp(t *testing.T) {
	got := sceneClassesRegexp("class A(manim.Scene, metaclass=M):\n    pass\nclass B(Mixin, Scene): pass")
	if assert.Len(t, got, 2) {
		assert.Equal(t, "A", got[0].name)
		assert.Equal(t, []string{"Scene"}, got[0].bases)
		assert.Equal(t, []string{"Mixin", "Scene"}, got[1].bases)
	}
}

func TestSyntaxCheck(t *testing.T) {
	ok := "from manim import *\n\nclass A(Scene):\n    def construct(self):\n        self.play(Write(MathTex(r\"x^2\")))\n"
	assert.Empty(t, SyntaxCheck(context.Background(), ok))

	bad := "class A(Scene):\n    def construct(self)\n        self.wait(\n"
	problems := SyntaxCheck(context.Background(), bad)
	assert.NotEmpty(t, problems)
	assert.Contains(t, problems[0], "line ")
}
