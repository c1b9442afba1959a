package index

// builtinFQNs maps simple names that are implicitly imported (java.lang) to
// their fully qualified names. Unimported references to these degrade to the
// builtin FQN instead of "external, unknown".
var builtinFQNs = map[string]string{
	"Object":        "java.lang.Object",
	"String":        "java.lang.String",
	"System":        "java.lang.System",
	"Integer":       "java.lang.Integer",
	"Long":          "java.lang.Long",
	"Double":        "java.lang.Double",
	"Float":         "java.lang.Float",
	"Boolean":       "java.lang.Boolean",
	"Byte":          "java.lang.Byte",
	"Character":     "java.lang.Character",
	"Short":         "java.lang.Short",
	"Void":          "java.lang.Void",
	"Number":        "java.lang.Number",
	"Math":          "java.lang.Math",
	"Class":         "java.lang.Class",
	"ClassLoader":   "java.lang.ClassLoader",
	"Thread":        "java.lang.Thread",
	"ThreadLocal":   "java.lang.ThreadLocal",
	"StringBuilder": "java.lang.StringBuilder",
	"StringBuffer":  "java.lang.StringBuffer",
	"Enum":          "java.lang.Enum",
	"Iterable":      "java.lang.Iterable",
	"AutoCloseable": "java.lang.AutoCloseable",
	"Runnable":      "java.lang.Runnable",
	"Comparable":    "java.lang.Comparable",
	"CharSequence":  "java.lang.CharSequence",

	"Throwable":                     "java.lang.Throwable",
	"Exception":                     "java.lang.Exception",
	"RuntimeException":              "java.lang.RuntimeException",
	"Error":                         "java.lang.Error",
	"NullPointerException":          "java.lang.NullPointerException",
	"IllegalArgumentException":      "java.lang.IllegalArgumentException",
	"IllegalStateException":         "java.lang.IllegalStateException",
	"IndexOutOfBoundsException":     "java.lang.IndexOutOfBoundsException",
	"UnsupportedOperationException": "java.lang.UnsupportedOperationException",
}

// BuiltinFQN resolves an implicitly imported simple name.
func BuiltinFQN(simple string) (string, bool) {
	fqn, ok := builtinFQNs[simple]
	return fqn, ok
}

// primitiveWidening lists the primitive conversions a formal parameter
// accepts beyond an exact match, per widening rules.
var primitiveWidening = map[string][]string{
	"short":  {"byte"},
	"int":    {"byte", "short", "char"},
	"long":   {"byte", "short", "char", "int"},
	"float":  {"byte", "short", "char", "int", "long"},
	"double": {"byte", "short", "char", "int", "long", "float"},
}

// boxing maps each primitive to its wrapper and back.
var boxing = map[string]string{
	"boolean":             "java.lang.Boolean",
	"byte":                "java.lang.Byte",
	"short":               "java.lang.Short",
	"char":                "java.lang.Character",
	"int":                 "java.lang.Integer",
	"long":                "java.lang.Long",
	"float":               "java.lang.Float",
	"double":              "java.lang.Double",
	"java.lang.Boolean":   "boolean",
	"java.lang.Byte":      "byte",
	"java.lang.Short":     "short",
	"java.lang.Character": "char",
	"java.lang.Integer":   "int",
	"java.lang.Long":      "long",
	"java.lang.Float":     "float",
	"java.lang.Double":    "double",
}

// AcceptsPrimitive reports whether a formal of type formal accepts an
// argument of type arg after widening or boxing.
func AcceptsPrimitive(formal, arg string) bool {
	if formal == arg {
		return true
	}
	for _, w := range primitiveWidening[formal] {
		if w == arg {
			return true
		}
	}
	if boxed, ok := boxing[arg]; ok && boxed == formal {
		return true
	}
	return false
}

// IsPrimitive reports whether t is a primitive type name.
func IsPrimitive(t string) bool {
	switch t {
	case "boolean", "byte", "short", "char", "int", "long", "float", "double", "void":
		return true
	}
	return false
}
